package claude

// Attachment is a Claude.ai completion attachment. Prompt text travels as a
// paste.txt attachment rather than in the prompt field.
type Attachment struct {
	ExtractedContent string `json:"extracted_content"`
	FileName         string `json:"file_name"`
	FileType         string `json:"file_type"`
	FileSize         int    `json:"file_size"`
}

// TextAttachment wraps prompt text in the attachment shape Claude.ai expects.
func TextAttachment(content string) Attachment {
	return Attachment{
		ExtractedContent: content,
		FileName:         "paste.txt",
		FileType:         "txt",
		FileSize:         len(content),
	}
}

// WebRequest is the Claude.ai conversation completion payload.
type WebRequest struct {
	MaxTokensToSample int          `json:"max_tokens_to_sample"`
	Attachments       []Attachment `json:"attachments"`
	Files             []string     `json:"files"`
	Model             string       `json:"model,omitempty"`
	RenderingMode     string       `json:"rendering_mode"`
	Prompt            string       `json:"prompt"`
	Timezone          string       `json:"timezone"`
	Tools             []Tool       `json:"tools"`
}

// UploadResponse is the Claude.ai file upload reply.
type UploadResponse struct {
	FileUUID string `json:"file_uuid"`
}
