package models

// QRScanRequest is one scan submitted over the API. Exactly one of Content
// or Image is set; Image is a data URI.
type QRScanRequest struct {
	Content   string `json:"content,omitempty"`
	Image     string `json:"image,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`
	SourceApp string `json:"source_app,omitempty"`
}

// QRBatchScanRequest submits several scans at once
type QRBatchScanRequest struct {
	Items []QRScanRequest `json:"items"`
}

// QRBatchItemResult is the outcome of one batch item, at its request index
type QRBatchItemResult struct {
	Index    int             `json:"index"`
	Decision *DecisionRecord `json:"decision,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// QRBatchScanResult aggregates a batch
type QRBatchScanResult struct {
	Results []QRBatchItemResult `json:"results"`
	Total   int                 `json:"total"`
	Allowed int                 `json:"allowed"`
	Warned  int                 `json:"warned"`
	Blocked int                 `json:"blocked"`
	Failed  int                 `json:"failed"`
}
