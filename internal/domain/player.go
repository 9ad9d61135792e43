package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Player mirrors the nexus_players table. The table is shared with the game
// server plugin, so column names and units are frozen: money is NUMERIC(12,2)
// in whole currency units.
type Player struct {
	UUID            string
	Username        string
	Money           decimal.Decimal
	LastTransaction *time.Time
	CreatedAt       time.Time
}
