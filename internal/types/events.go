package types

import (
	"strings"
	"time"
)

// SESEvent is the payload SES receipt rules deliver to a Lambda action.
// Only the fields mailflow reads are modelled.
type SESEvent struct {
	Records []SESEventRecord `json:"Records"`
}

// SESEventRecord is one received email notification.
type SESEventRecord struct {
	EventSource  string     `json:"eventSource"`
	EventVersion string     `json:"eventVersion"`
	SES          SESMessage `json:"ses"`
}

// SESMessage pairs the mail metadata with the receipt verdicts.
type SESMessage struct {
	Mail    SESMail    `json:"mail"`
	Receipt SESReceipt `json:"receipt"`
}

// SESMail is the envelope-level metadata of a received email.
type SESMail struct {
	Timestamp     time.Time        `json:"timestamp"`
	Source        string           `json:"source"`
	MessageID     string           `json:"messageId"`
	Destination   []string         `json:"destination"`
	CommonHeaders SESCommonHeaders `json:"commonHeaders"`
}

// SESCommonHeaders are the parsed headers SES includes in the notification.
type SESCommonHeaders struct {
	From      []string `json:"from"`
	To        []string `json:"to"`
	Subject   string   `json:"subject"`
	MessageID string   `json:"messageId"`
}

// SESReceipt holds authentication verdicts and the action that stored the email.
type SESReceipt struct {
	Timestamp    time.Time  `json:"timestamp"`
	Recipients   []string   `json:"recipients"`
	SpamVerdict  SESVerdict `json:"spamVerdict"`
	VirusVerdict SESVerdict `json:"virusVerdict"`
	SPFVerdict   SESVerdict `json:"spfVerdict"`
	DKIMVerdict  SESVerdict `json:"dkimVerdict"`
	DMARCVerdict SESVerdict `json:"dmarcVerdict"`
	Action       SESAction  `json:"action"`
}

// SESVerdict is one of PASS, FAIL, GRAY or PROCESSING_FAILED.
type SESVerdict struct {
	Status string `json:"status"`
}

// Verdict status values.
const (
	VerdictPass             = "PASS"
	VerdictFail             = "FAIL"
	VerdictGray             = "GRAY"
	VerdictProcessingFailed = "PROCESSING_FAILED"
)

// Passed reports whether the verdict status is PASS (case-insensitive).
func (v SESVerdict) Passed() bool {
	return strings.EqualFold(v.Status, VerdictPass)
}

// SESAction describes the receipt rule action. For S3 actions BucketName and
// ObjectKey locate the raw email.
type SESAction struct {
	Type       string `json:"type"`
	BucketName string `json:"bucketName,omitempty"`
	ObjectKey  string `json:"objectKey,omitempty"`
}
