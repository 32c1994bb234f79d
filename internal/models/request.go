package models

type GenerateRequest struct {
	// SubjectImageData is the subject photo, base64 encoded. A data URI
	// prefix ("data:image/png;base64,...") is accepted and stripped.
	SubjectImageData   string `json:"subjectImageData"`
	GarmentAssetURL    string `json:"garmentAssetUrl"`
	BackgroundAssetURL string `json:"backgroundAssetUrl"`
	GarmentID          string `json:"garmentId"`
	// UserID identifies the submitting user when the request is not
	// authenticated. A bearer token, when present, takes precedence.
	UserID string `json:"userId,omitempty"`
}
