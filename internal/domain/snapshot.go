package domain

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
)

// IVec2 is an integer grid position.
type IVec2 struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
}

// Chebyshev returns the king-move distance between two positions.
func (v IVec2) Chebyshev(o IVec2) int {
	return max(abs(v.X-o.X), abs(v.Y-o.Y))
}

// Manhattan returns the taxicab distance between two positions.
func (v IVec2) Manhattan(o IVec2) int {
	return abs(v.X-o.X) + abs(v.Y-o.Y)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// PlayerState is the perceived state of the player the agent accompanies.
type PlayerState struct {
	HP     int      `json:"hp" validate:"gte=0"`
	Pos    IVec2    `json:"pos"`
	Stance string   `json:"stance"`
	Orders []string `json:"orders,omitempty"`
}

// CompanionState is the agent's own state.
type CompanionState struct {
	Ammo      int                `json:"ammo" validate:"gte=0"`
	Cooldowns map[string]float64 `json:"cooldowns,omitempty"`
	Morale    float64            `json:"morale" validate:"gte=0"`
	Pos       IVec2              `json:"pos"`
}

// EnemyState is one perceived threat.
type EnemyState struct {
	ID       uint32  `json:"id"`
	Pos      IVec2   `json:"pos"`
	HP       int     `json:"hp"`
	Cover    string  `json:"cover,omitempty"`
	LastSeen float64 `json:"last_seen"`
}

// Poi is a point of interest.
type Poi struct {
	Kind string `json:"k" validate:"required"`
	Pos  IVec2  `json:"pos"`
}

// WorldSnapshot is the agent's perceived world at simulation time T.
// Snapshots are treated as immutable once built; use Clone before handing
// one to background work.
type WorldSnapshot struct {
	T         float64        `json:"t" validate:"gte=0"`
	Player    PlayerState    `json:"player"`
	Me        CompanionState `json:"me"`
	Enemies   []EnemyState   `json:"enemies" validate:"dive"`
	POIs      []Poi          `json:"pois" validate:"dive"`
	Obstacles []IVec2        `json:"obstacles,omitempty"`
	Objective string         `json:"objective,omitempty"`
}

// Clone returns a deep copy of the snapshot.
func (s WorldSnapshot) Clone() WorldSnapshot {
	out := s
	out.Player.Orders = slices.Clone(s.Player.Orders)
	out.Me.Cooldowns = maps.Clone(s.Me.Cooldowns)
	out.Enemies = slices.Clone(s.Enemies)
	out.POIs = slices.Clone(s.POIs)
	out.Obstacles = slices.Clone(s.Obstacles)
	return out
}

// NearestEnemy returns the enemy closest to the agent by Chebyshev distance.
func (s WorldSnapshot) NearestEnemy() (EnemyState, int, bool) {
	if len(s.Enemies) == 0 {
		return EnemyState{}, 0, false
	}
	best, bestDist := s.Enemies[0], s.Me.Pos.Chebyshev(s.Enemies[0].Pos)
	for _, e := range s.Enemies[1:] {
		if d := s.Me.Pos.Chebyshev(e.Pos); d < bestDist {
			best, bestDist = e, d
		}
	}
	return best, bestDist, true
}

var snapshotValidate = validator.New()

// ValidateSnapshot checks an inbound snapshot for structurally impossible values.
func ValidateSnapshot(s WorldSnapshot) error {
	if err := snapshotValidate.Struct(s); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			fields := make([]string, 0, len(ve))
			for _, fe := range ve {
				fields = append(fields, fmt.Sprintf("%s(%s)", fe.Namespace(), fe.Tag()))
			}
			return NewSubSystemError("snapshot", "ValidateSnapshot", ErrInvalidInput, strings.Join(fields, ", "))
		}
		return NewSubSystemError("snapshot", "ValidateSnapshot", ErrInvalidInput, err.Error())
	}
	return nil
}
