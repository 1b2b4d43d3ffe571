package syncer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dnr/craftsync/internal/model"
)

func TestResolve(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	older, newer := t0, t0.Add(time.Hour)
	base := Version{Message: "base"}

	tests := []struct {
		name          string
		local, remote Version
		strategy      Strategy
		want          Resolution
	}{
		{
			name:     "remote unchanged keeps local",
			local:    Version{Message: "mine", UpdatedAt: older},
			remote:   Version{Message: "base", UpdatedAt: newer},
			strategy: StrategyRemoteWins,
			want:     Resolution{Outcome: KeepLocal, Message: "mine"},
		},
		{
			name:     "local unchanged takes remote",
			local:    Version{Message: "base", UpdatedAt: newer},
			remote:   Version{Message: "theirs", UpdatedAt: older},
			strategy: StrategyLocalWins,
			want:     Resolution{Outcome: TakeRemote, Message: "theirs"},
		},
		{
			name:     "converged",
			local:    Version{Message: "same", UpdatedAt: older},
			remote:   Version{Message: "same", UpdatedAt: newer},
			strategy: StrategyPrompt,
			want:     Resolution{Outcome: TakeRemote, Message: "same"},
		},
		{
			name:     "local wins",
			local:    Version{Message: "mine", UpdatedAt: older},
			remote:   Version{Message: "theirs", UpdatedAt: newer},
			strategy: StrategyLocalWins,
			want:     Resolution{Outcome: KeepLocal, Message: "mine", Conflict: true},
		},
		{
			name:     "remote wins",
			local:    Version{Message: "mine", UpdatedAt: newer},
			remote:   Version{Message: "theirs", UpdatedAt: older},
			strategy: StrategyRemoteWins,
			want:     Resolution{Outcome: TakeRemote, Message: "theirs", Conflict: true},
		},
		{
			name:     "auto prefers newer remote",
			local:    Version{Message: "mine", UpdatedAt: older},
			remote:   Version{Message: "theirs", UpdatedAt: newer},
			strategy: StrategyAuto,
			want:     Resolution{Outcome: TakeRemote, Message: "theirs", Conflict: true},
		},
		{
			name:     "auto keeps newer local",
			local:    Version{Message: "mine", UpdatedAt: newer},
			remote:   Version{Message: "theirs", UpdatedAt: older},
			strategy: StrategyAuto,
			want:     Resolution{Outcome: KeepLocal, Message: "mine", Conflict: true},
		},
		{
			name:     "auto tie keeps local",
			local:    Version{Message: "mine", UpdatedAt: older},
			remote:   Version{Message: "theirs", UpdatedAt: older},
			strategy: StrategyAuto,
			want:     Resolution{Outcome: KeepLocal, Message: "mine", Conflict: true},
		},
		{
			name:     "prompt defers and keeps local text",
			local:    Version{Message: "mine", UpdatedAt: older},
			remote:   Version{Message: "theirs", UpdatedAt: newer},
			strategy: StrategyPrompt,
			want:     Resolution{Outcome: Defer, Message: "mine", Conflict: true},
		},
		{
			name:     "remote delete needs a human under any strategy",
			local:    Version{Message: "mine", UpdatedAt: newer},
			remote:   Version{Deleted: true},
			strategy: StrategyLocalWins,
			want:     Resolution{Outcome: Manual, Message: "mine", Conflict: true},
		},
		{
			name:     "both deleted",
			local:    Version{Message: "base", Deleted: true},
			remote:   Version{Deleted: true},
			strategy: StrategyPrompt,
			want:     Resolution{Outcome: TakeRemote},
		},
		{
			name:     "local delete of untouched remote",
			local:    Version{Message: "base", Deleted: true, UpdatedAt: older},
			remote:   Version{Message: "base", UpdatedAt: newer},
			strategy: StrategyRemoteWins,
			want:     Resolution{Outcome: KeepLocal},
		},
		{
			name:     "local delete of edited remote",
			local:    Version{Message: "base", Deleted: true, UpdatedAt: older},
			remote:   Version{Message: "theirs", UpdatedAt: newer},
			strategy: StrategyLocalWins,
			want:     Resolution{Outcome: KeepLocal, Conflict: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(tt.local, tt.remote, base, tt.strategy))
		})
	}
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("")
	assert.NoError(t, err)
	assert.Equal(t, StrategyAuto, s)
	s, err = ParseStrategy("prompt")
	assert.NoError(t, err)
	assert.Equal(t, StrategyPrompt, s)
	_, err = ParseStrategy("coinflip")
	assert.True(t, model.IsValidation(err))
}
