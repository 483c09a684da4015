package mq

// Broker topology shared by every service in the pipeline. Queues are bound
// to the exchange under a routing key equal to the queue name.
const (
	Exchange = "recordpipe"

	// QueueFileUploaded receives one message per uploaded file.
	QueueFileUploaded = "file_uploaded"
	// QueueDataProcessing receives one message per batch of records.
	QueueDataProcessing = "data_processing"
)
