package entity

import "time"

// Video is the minimal catalog record the core needs: an id and the path
// the frame source reads from. Frame count, dimensions and fps are probed
// from the file, not stored.
type Video struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

func NewVideo(name, path string) *Video {
	return &Video{
		Name:      name,
		Path:      path,
		CreatedAt: time.Now().UTC(),
	}
}
