package dto

type CreateJobRequestDTO struct {
	Title    string `json:"title" binding:"required,min=1,max=512"`
	Genre    string `json:"genre" binding:"required"`
	Brief    string `json:"brief"`
	Chapters int    `json:"chapters" binding:"required,min=1,max=24"`
}

// JobStatusDTO is the polled status payload clients render progress
// from and drive auto-resume redirects with.
type JobStatusDTO struct {
	ID       string  `json:"id"`
	Status   string  `json:"status"`
	Step     string  `json:"step"`
	Progress int     `json:"progress"`
	Message  string  `json:"message"`
	Error    *string `json:"error,omitempty"`
}
