package syncer

import (
	"time"

	"github.com/dnr/craftsync/internal/model"
)

// Strategy decides how diverged comments are reconciled.
type Strategy string

const (
	// StrategyAuto keeps the newer text, preferring local text on a tie.
	StrategyAuto       Strategy = "auto"
	StrategyLocalWins  Strategy = "local_wins"
	StrategyRemoteWins Strategy = "remote_wins"
	// StrategyPrompt never decides; the comment waits for a human.
	StrategyPrompt Strategy = "prompt"
)

func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyAuto, StrategyLocalWins, StrategyRemoteWins, StrategyPrompt:
		return st, nil
	case "":
		return StrategyAuto, nil
	}
	return "", model.Invalid("resolution", "%q is not one of auto, local_wins, remote_wins, prompt", s)
}

// Version is one side of a comment as seen by Resolve.
type Version struct {
	Message   string
	UpdatedAt time.Time
	Deleted   bool
}

// Outcome is what Resolve decided.
type Outcome string

const (
	KeepLocal  Outcome = "local"
	TakeRemote Outcome = "remote"
	// Defer leaves the comment in conflict_detected for a human.
	Defer Outcome = "deferred"
	// Manual is a conflict no strategy may settle.
	Manual Outcome = "manual"
)

type Resolution struct {
	Outcome Outcome
	// Message is the text the comment ends up with. Empty when the
	// outcome is a local delete.
	Message string
	// Conflict reports whether both sides really diverged, as opposed to
	// one side being unchanged or both converging on the same text.
	Conflict bool
}

// Resolve reconciles a locally edited comment with its remote copy.
// baseline is the text both sides agreed on at the last sync.
func Resolve(local, remote, baseline Version, s Strategy) Resolution {
	if remote.Deleted {
		if local.Deleted {
			return Resolution{Outcome: TakeRemote}
		}
		return Resolution{Outcome: Manual, Message: local.Message, Conflict: true}
	}
	if !local.Deleted {
		switch {
		case local.Message == remote.Message:
			return Resolution{Outcome: TakeRemote, Message: remote.Message}
		case remote.Message == baseline.Message:
			return Resolution{Outcome: KeepLocal, Message: local.Message}
		case local.Message == baseline.Message:
			return Resolution{Outcome: TakeRemote, Message: remote.Message}
		}
	} else if remote.Message == baseline.Message {
		return Resolution{Outcome: KeepLocal}
	}

	local1 := Resolution{Outcome: KeepLocal, Message: local.Message, Conflict: true}
	if local.Deleted {
		local1.Message = ""
	}
	remote1 := Resolution{Outcome: TakeRemote, Message: remote.Message, Conflict: true}
	switch s {
	case StrategyLocalWins:
		return local1
	case StrategyRemoteWins:
		return remote1
	case StrategyAuto:
		if remote.UpdatedAt.After(local.UpdatedAt) {
			return remote1
		}
		return local1
	}
	return Resolution{Outcome: Defer, Message: local.Message, Conflict: true}
}
