package config

const (
	// TopicIngestFile is the NSQ topic carrying uploaded-file ingestion jobs.
	TopicIngestFile = "ingest.file"

	// ChannelIngestWorker is the channel the ingestion worker consumes from.
	ChannelIngestWorker = "ingestion-worker"
)
