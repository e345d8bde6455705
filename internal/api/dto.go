package api

import (
	"time"

	"github.com/kafuneri/Openlist-Ani/internal/core"
)

type CreateTaskRequest struct {
	Title       string   `json:"title" binding:"required"`
	DownloadURL string   `json:"download_url" binding:"required"`
	AnimeName   string   `json:"anime_name"`
	Season      int      `json:"season"`
	Episode     int      `json:"episode"`
	Version     int      `json:"version"`
	Fansub      string   `json:"fansub"`
	Quality     string   `json:"quality"`
	Languages   []string `json:"languages"`

	// SavePath overrides the configured library root for this task.
	SavePath string `json:"save_path"`
}

func (r *CreateTaskRequest) Resource() core.Resource {
	langs := make([]core.Language, 0, len(r.Languages))
	for _, l := range r.Languages {
		langs = append(langs, core.Language(l))
	}
	if len(langs) == 0 {
		langs = nil
	}
	return core.Resource{
		Title:       r.Title,
		DownloadURL: r.DownloadURL,
		AnimeName:   r.AnimeName,
		Season:      r.Season,
		Episode:     r.Episode,
		Version:     r.Version,
		Fansub:      r.Fansub,
		Quality:     core.VideoQuality(r.Quality),
		Languages:   langs,
	}
}

type ResourceResponse struct {
	Title       string `json:"title"`
	DownloadURL string `json:"download_url"`
	AnimeName   string `json:"anime_name,omitempty"`
	Season      int    `json:"season,omitempty"`
	Episode     int    `json:"episode,omitempty"`
	Quality     string `json:"quality,omitempty"`
	Fansub      string `json:"fansub,omitempty"`
}

type TaskResponse struct {
	ID           string `json:"id"`
	State        string `json:"state"`
	ErrorMessage string `json:"error_message,omitempty"`
	RetryCount   int    `json:"retry_count"`
	MaxRetries   int    `json:"max_retries"`

	SavePath  string `json:"save_path"`
	FinalPath string `json:"final_path,omitempty"`

	Resource ResourceResponse `json:"resource"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type TasksListResponse struct {
	Tasks []*TaskResponse `json:"tasks"`
}

func NewTaskResponse(task *core.Task) *TaskResponse {
	if task == nil {
		return nil
	}
	return &TaskResponse{
		ID:           task.ID,
		State:        string(task.State),
		ErrorMessage: task.ErrorMessage,
		RetryCount:   task.RetryCount,
		MaxRetries:   task.MaxRetries,
		SavePath:     task.SavePath,
		FinalPath:    task.FinalPath,
		Resource: ResourceResponse{
			Title:       task.Resource.Title,
			DownloadURL: task.Resource.DownloadURL,
			AnimeName:   task.Resource.AnimeName,
			Season:      task.Resource.Season,
			Episode:     task.Resource.Episode,
			Quality:     string(task.Resource.Quality),
			Fansub:      task.Resource.Fansub,
		},
		CreatedAt: task.CreatedAt,
		UpdatedAt: task.UpdatedAt,
	}
}

func NewTasksListResponse(tasks []*core.Task) *TasksListResponse {
	resp := &TasksListResponse{
		Tasks: make([]*TaskResponse, 0, len(tasks)),
	}
	for _, t := range tasks {
		if t == nil {
			continue
		}
		resp.Tasks = append(resp.Tasks, NewTaskResponse(t))
	}
	return resp
}
