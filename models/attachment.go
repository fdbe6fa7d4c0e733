package models

// Attachment describes one file carried by a message. FileURL holds the
// upload locator in plaintext form and the sealed blob while in transit.
type Attachment struct {
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	FileType string `json:"fileType"`
	FileURL  string `json:"fileUrl"`
}
