package remote

import (
	"strings"
	"time"

	"github.com/dnr/craftsync/internal/model"
)

const gerritTimeLayout = "2006-01-02 15:04:05.000000000"

// gerritTime is a UTC timestamp in the server's quoted text format.
type gerritTime struct {
	time.Time
}

func (t *gerritTime) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	parsed, err := time.ParseInLocation(gerritTimeLayout, s, time.UTC)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

func (t gerritTime) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.UTC().Format(gerritTimeLayout) + `"`), nil
}

type accountJSON struct {
	Name     string `json:"name,omitempty"`
	Username string `json:"username,omitempty"`
}

func (a accountJSON) display() string {
	if a.Username != "" {
		return a.Username
	}
	return a.Name
}

type revisionJSON struct {
	Number   int         `json:"_number"`
	Created  gerritTime  `json:"created"`
	Uploader accountJSON `json:"uploader"`
}

type changeJSON struct {
	ID              string                  `json:"id"`
	Project         string                  `json:"project"`
	Branch          string                  `json:"branch"`
	Subject         string                  `json:"subject"`
	Status          string                  `json:"status"`
	CurrentRevision string                  `json:"current_revision"`
	Revisions       map[string]revisionJSON `json:"revisions"`
}

type fileJSON struct {
	Status        string `json:"status,omitempty"`
	OldPath       string `json:"old_path,omitempty"`
	LinesInserted int    `json:"lines_inserted,omitempty"`
	LinesDeleted  int    `json:"lines_deleted,omitempty"`
	Binary        bool   `json:"binary,omitempty"`
}

type rangeJSON struct {
	StartLine      int `json:"start_line"`
	StartCharacter int `json:"start_character"`
	EndLine        int `json:"end_line"`
	EndCharacter   int `json:"end_character"`
}

type commentJSON struct {
	ID         string       `json:"id,omitempty"`
	Path       string       `json:"path,omitempty"`
	PatchSet   int          `json:"patch_set,omitempty"`
	Line       int          `json:"line,omitempty"`
	Range      *rangeJSON   `json:"range,omitempty"`
	Message    string       `json:"message"`
	Author     *accountJSON `json:"author,omitempty"`
	InReplyTo  string       `json:"in_reply_to,omitempty"`
	Unresolved *bool        `json:"unresolved,omitempty"`
	Created    *gerritTime  `json:"created,omitempty"`
	Updated    *gerritTime  `json:"updated,omitempty"`
}

func (c commentJSON) info() CommentInfo {
	info := CommentInfo{
		ID:        c.ID,
		Path:      c.Path,
		PatchSet:  c.PatchSet,
		Line:      c.Line,
		Message:   c.Message,
		InReplyTo: c.InReplyTo,
	}
	if info.Path == PatchSetLevel {
		info.Path = ""
	}
	if c.Range != nil {
		info.Range = &model.CommentRange{
			StartLine: c.Range.StartLine,
			StartChar: c.Range.StartCharacter,
			EndLine:   c.Range.EndLine,
			EndChar:   c.Range.EndCharacter,
		}
	}
	if c.Author != nil {
		info.Author = c.Author.display()
	}
	if c.Unresolved != nil {
		info.Unresolved = *c.Unresolved
	}
	if c.Updated != nil {
		info.UpdatedAt = c.Updated.Time
	}
	info.CreatedAt = info.UpdatedAt
	if c.Created != nil {
		info.CreatedAt = c.Created.Time
	}
	return info
}

type reviewJSON struct {
	Message    string         `json:"message,omitempty"`
	Labels     map[string]int `json:"labels,omitempty"`
	CommentIDs []string       `json:"comment_ids,omitempty"`
}

type reviewResultJSON struct {
	Labels  map[string]int `json:"labels"`
	Dropped []string       `json:"dropped_comment_ids,omitempty"`
}
