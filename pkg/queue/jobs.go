package queue

// RetrieveJob payload of the retrieve queue
type RetrieveJob struct {
	RepositoryID    uint   `json:"repository_id"`
	URL             string `json:"url"`
	Credential      string `json:"credential"` // vault ciphertext, never the plain token
	Owner           string `json:"owner"`
	Name            string `json:"name"`
	CorrelationHint string `json:"correlation_hint"`
}

// SyncJob payload of the sync queue
type SyncJob struct {
	UserID        uint   `json:"user_id"`
	RepositoryID  uint   `json:"repository_id"`
	Owner         string `json:"owner"`
	Name          string `json:"name"`
	CorrelationID string `json:"correlation_id"`
}
