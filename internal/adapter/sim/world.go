// Package sim is a tiny deterministic grid world used by the CLI harness
// to exercise the arbiter without a game engine.
package sim

import (
	"fmt"
	"sync"

	"arbiter-ai/internal/domain"
)

// World applies actions to a snapshot and advances simulated time.
type World struct {
	mu    sync.Mutex
	snap  domain.WorldSnapshot
	log   []string
	ticks int
}

// NewWorld returns a skirmish: the companion at the origin, two enemies to
// the north-east and an extraction point behind them.
func NewWorld() *World {
	return &World{snap: domain.WorldSnapshot{
		Player: domain.PlayerState{HP: 100, Pos: domain.IVec2{X: -1, Y: 0}, Stance: "crouch", Orders: []string{"hold"}},
		Me: domain.CompanionState{
			Ammo:      12,
			Morale:    80,
			Cooldowns: map[string]float64{},
		},
		Enemies: []domain.EnemyState{
			{ID: 7, Pos: domain.IVec2{X: 10, Y: 8}, HP: 60, Cover: "low"},
			{ID: 9, Pos: domain.IVec2{X: 14, Y: 3}, HP: 40, Cover: "none"},
		},
		POIs:      []domain.Poi{{Kind: "extract", Pos: domain.IVec2{X: 18, Y: 10}}},
		Obstacles: []domain.IVec2{{X: 5, Y: 5}, {X: 6, Y: 5}},
		Objective: "reach extract",
	}}
}

// FromSnapshot wraps an existing snapshot.
func FromSnapshot(snap domain.WorldSnapshot) *World {
	s := snap.Clone()
	if s.Me.Cooldowns == nil {
		s.Me.Cooldowns = map[string]float64{}
	}
	return &World{snap: s}
}

// Snapshot returns a copy of the current world.
func (w *World) Snapshot() domain.WorldSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snap.Clone()
}

// Apply executes one action and advances time by dt seconds.
func (w *World) Apply(step domain.ActionStep, dt float64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := &w.snap
	switch step.Tool {
	case "MoveTo":
		s.Me.Pos = stepToward(s.Me.Pos, domain.IVec2{X: intParam(step, "x"), Y: intParam(step, "y")})
	case "Approach", "Charge":
		if e := w.enemy(step); e != nil {
			s.Me.Pos = stepToward(s.Me.Pos, e.Pos)
		}
	case "Retreat":
		if e := w.enemy(step); e != nil {
			s.Me.Pos = stepToward(s.Me.Pos, domain.IVec2{X: 2*s.Me.Pos.X - e.Pos.X, Y: 2*s.Me.Pos.Y - e.Pos.Y})
		}
	case "ThrowSmoke":
		s.Me.Cooldowns["ThrowSmoke"] = 8
	case "Attack", "AimedShot", "QuickAttack", "HeavyAttack", "CoverFire":
		if s.Me.Ammo > 0 {
			s.Me.Ammo--
			if e := w.enemy(step); e != nil {
				e.HP -= 15
			}
		}
	case "Reload":
		s.Me.Ammo = 12
	case "Heal":
		s.Me.Morale = min(100, s.Me.Morale+20)
		s.Me.Cooldowns["Heal"] = 10
	}

	w.removeDead()
	w.advance(dt)
	w.ticks++
	w.log = append(w.log, fmt.Sprintf("t=%.1f %s", s.T, step.Tool))
}

// Done reports whether every enemy is down.
func (w *World) Done() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.snap.Enemies) == 0
}

// Log returns the applied actions.
func (w *World) Log() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.log...)
}

func (w *World) advance(dt float64) {
	s := &w.snap
	s.T += dt
	for k, v := range s.Me.Cooldowns {
		s.Me.Cooldowns[k] = max(0, v-dt)
	}
	// enemies close in every other tick
	if w.ticks%2 == 1 {
		for i := range s.Enemies {
			s.Enemies[i].Pos = stepToward(s.Enemies[i].Pos, s.Me.Pos)
			s.Enemies[i].LastSeen = s.T
		}
	}
	s.Me.Morale = max(0, s.Me.Morale-0.5*float64(len(s.Enemies))*dt)
}

func (w *World) removeDead() {
	alive := w.snap.Enemies[:0]
	for _, e := range w.snap.Enemies {
		if e.HP > 0 {
			alive = append(alive, e)
		}
	}
	w.snap.Enemies = alive
}

// enemy resolves target_id, defaulting to the nearest enemy.
func (w *World) enemy(step domain.ActionStep) *domain.EnemyState {
	if _, ok := step.Params["target_id"]; ok {
		id := intParam(step, "target_id")
		for i := range w.snap.Enemies {
			if int(w.snap.Enemies[i].ID) == id {
				return &w.snap.Enemies[i]
			}
		}
	}
	nearest, _, ok := w.snap.NearestEnemy()
	if !ok {
		return nil
	}
	for i := range w.snap.Enemies {
		if w.snap.Enemies[i].ID == nearest.ID {
			return &w.snap.Enemies[i]
		}
	}
	return nil
}

func stepToward(from, to domain.IVec2) domain.IVec2 {
	return domain.IVec2{X: from.X + sign(to.X-from.X), Y: from.Y + sign(to.Y-from.Y)}
}

func sign(n int) int {
	switch {
	case n > 0:
		return 1
	case n < 0:
		return -1
	}
	return 0
}

func intParam(step domain.ActionStep, key string) int {
	switch v := step.Params[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint32:
		return int(v)
	case float64:
		return int(v)
	case float32:
		return int(v)
	}
	return 0
}
