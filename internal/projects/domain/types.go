// Package domain contains the business logic for registered cloned projects.
package domain

import (
	"time"

	"github.com/pendergraft/contratweak/internal/clone"
)

// Project is a cloned contract registered with the server.
type Project struct {
	Name           string
	Dir            string
	TargetContract string
	ChainID        uint64
	Address        string
	MetadataHash   string
	OwnerID        string
	CreatedAt      time.Time

	// Clone is the parsed clone.json as it was imported.
	Clone *clone.Project
}

// ImportRequest registers a cloned project directory.
type ImportRequest struct {
	Name string `json:"name"`
	// Dir is absolute or relative to the projects root.
	Dir string `json:"dir"`
}

// PaginationParams contains pagination options.
type PaginationParams struct {
	Limit  int
	Cursor string
}

// ListResult contains paginated list results.
type ListResult struct {
	Projects   []Project
	HasMore    bool
	NextCursor string
}
