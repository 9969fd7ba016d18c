package archive

import (
	"testing"
	"time"

	"github.com/DoyleJ11/propcall/internal/roster"
	"github.com/DoyleJ11/propcall/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToRecord(t *testing.T) {
	at := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
	row := toRecord(session.Result{
		Winner:     "bo",
		Rounds:     5,
		Standings:  []roster.Standing{{Name: "bo", Score: 3}, {Name: "amy", Score: 2}, {Name: "cy", Score: 0}},
		FinishedAt: at,
	})

	assert.Equal(t, "bo", row.Winner)
	assert.Equal(t, 5, row.Rounds)
	assert.Equal(t, at, row.FinishedAt)
	require.Len(t, row.Standings, 3)
	assert.Equal(t, Standing{Place: 1, Player: "bo", Score: 3}, row.Standings[0])
	assert.Equal(t, Standing{Place: 3, Player: "cy", Score: 0}, row.Standings[2])
}

func TestToRecord_Draw(t *testing.T) {
	row := toRecord(session.Result{Winner: roster.NoWinner})
	assert.Equal(t, "DRAW", row.Winner)
	assert.NotNil(t, row.Standings)
	assert.Empty(t, row.Standings)
}

func TestNew_BadDSN(t *testing.T) {
	_, err := New("host=127.0.0.1 port=1 user=x dbname=x sslmode=disable connect_timeout=1", nil)
	assert.Error(t, err)
}
