package types

// Telemetry metric names for CloudWatch.
// All components MUST use these constants.
const (
	// Metric Names
	MetricInboundReceived       = "InboundEmailsReceived"
	MetricInboundProcessed      = "InboundEmailsProcessed"
	MetricInboundProcessingTime = "InboundProcessingTime"
	MetricAttachmentsProcessed  = "AttachmentsProcessed"
	MetricAttachmentSize        = "AttachmentSize"
	MetricOutboundSent          = "OutboundEmailsSent"
	MetricOutboundTime          = "OutboundProcessingTime"
	MetricDuplicatesSkipped     = "DuplicatesSkipped"
	MetricErrors                = "Errors"
	MetricDLQMessages           = "DLQMessages"
	MetricRoutingDecisions      = "RoutingDecisions"
	MetricQueueLag              = "QueueLag"

	// Dimension Keys
	DimApp         = "App"
	DimContentType = "ContentType"
	DimErrorType   = "ErrorType"
	DimHandler     = "Handler"

	// Metric Namespace
	MetricNamespace = "Mailflow"
)

// Handler names used in logs, metrics and dead-letter envelopes.
const (
	HandlerInbound  = "inbound"
	HandlerOutbound = "outbound"
)
