package dto

type SendMessageRequest struct {
	To   string `json:"to" binding:"required,min=1,max=255"`
	Text string `json:"text" binding:"required,min=1,max=65536"`
}

type ChannelStatusResponse struct {
	ChannelID      string `json:"channel_id"`
	OrganizationID string `json:"organization_id,omitempty"`
	State          string `json:"state"`
	WorkerID       string `json:"worker_id,omitempty"`
}

type SessionResponse struct {
	ChannelID string `json:"channel_id"`
	WorkerID  string `json:"worker_id"`
}
