package rules

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiter-ai/internal/domain"
	"arbiter-ai/internal/usecase/eventbus"
	"arbiter-ai/internal/usecase/fallback"
)

const scanOnly = `
rules:
  - name: idle
    then:
      tool: Scan
      params: {radius: 5}
`

const healThenScan = `
rules:
  - name: hurt
    when: {morale_below: 50}
    then: {tool: Heal}
  - name: idle
    only_if_empty: true
    then: {tool: Scan, params: {radius: 5}}
`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSink struct {
	mu  sync.Mutex
	got []*fallback.RuleSet
}

func (s *recordingSink) SetRules(rs *fallback.RuleSet) error {
	if err := rs.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, rs)
	return nil
}

func (s *recordingSink) last() *fallback.RuleSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.got) == 0 {
		return nil
	}
	return s.got[len(s.got)-1]
}

func TestParse(t *testing.T) {
	rs, err := Parse([]byte(healThenScan))
	require.NoError(t, err)
	require.Len(t, rs.Rules, 2)
	assert.Equal(t, 50.0, *rs.Rules[0].When.MoraleBelow)
	assert.True(t, rs.Rules[1].OnlyIfEmpty)
}

func TestParseRejects(t *testing.T) {
	for name, doc := range map[string]string{
		"empty":        "rules: []",
		"malformed":    "rules: [:",
		"missing tool": "rules:\n  - name: x\n    then: {}",
		"bad bind":     "rules:\n  - name: x\n    then: {tool: Attack, bind: everyone}",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
			assert.Equal(t, domain.CodeRulesInvalid, domain.ErrorCodeOf(err))
		})
	}
}

func TestLoadFile(t *testing.T) {
	rs, err := LoadFile("")
	require.NoError(t, err)
	assert.Equal(t, len(fallback.DefaultRules().Rules), len(rs.Rules))

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestMarshalDefaultRulesParses(t *testing.T) {
	data, err := Marshal(fallback.DefaultRules())
	require.NoError(t, err)

	rs, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, fallback.DefaultRules().Rules[0].Name, rs.Rules[0].Name)
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(scanOnly), 0o600))

	bus := eventbus.New(discardLogger())
	defer bus.Close()
	reloaded := make(chan domain.Event, 4)
	bus.Subscribe(domain.EventRulesReloaded, func(_ context.Context, ev domain.Event) {
		reloaded <- ev
	})

	sink := &recordingSink{}
	w, err := NewWatcher(path, sink, discardLogger(), WithDebounce(20*time.Millisecond), WithEventBus(bus))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte(healThenScan), 0o600))

	assert.Eventually(t, func() bool {
		rs := sink.last()
		return rs != nil && len(rs.Rules) == 2
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case ev := <-reloaded:
		assert.Equal(t, domain.EventRulesReloaded, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no reload event")
	}
}

func TestWatcher_InvalidFileKeepsTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(scanOnly), 0o600))

	sink := &recordingSink{}
	w, err := NewWatcher(path, sink, discardLogger(), WithDebounce(10*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, w.Reload(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("rules: []"), 0o600))
	// give the debounce window time to fire
	time.Sleep(200 * time.Millisecond)

	rs := sink.last()
	require.NotNil(t, rs)
	assert.Len(t, rs.Rules, 1)
}

func TestWatcher_IgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(scanOnly), 0o600))

	sink := &recordingSink{}
	w, err := NewWatcher(path, sink, discardLogger(), WithDebounce(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte(healThenScan), 0o600))
	time.Sleep(150 * time.Millisecond)
	assert.Nil(t, sink.last())
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(scanOnly), 0o600))

	w, err := NewWatcher(path, &recordingSink{}, discardLogger())
	require.NoError(t, err)
	w.Start(context.Background())
	w.Stop()
	w.Stop()
}
