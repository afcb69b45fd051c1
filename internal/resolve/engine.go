// Package resolve matches a captured stroke against the bindings visible in
// a scope and runs the winning action.
package resolve

import (
	"log/slog"
	"sort"

	"strokebind/internal/action"
	"strokebind/internal/actiondb"
	"strokebind/internal/stroke"
	"strokebind/internal/token"
)

// Floor is the minimum score a comparison needs to be considered at all.
const Floor = 0.25

// DefaultClickName labels the fallback outcome for trivial strokes.
const DefaultClickName = "click (default)"

// Candidate is one scored comparison that passed the floor.
type Candidate struct {
	Score  float64
	Match  bool
	ID     token.Token
	Name   string
	Stroke *stroke.Stroke
}

// Outcome reports what a resolution decided. It is informational and never
// persisted.
type Outcome struct {
	Matched bool
	ID      token.Token
	Name    string
	Action  *action.Action
	// Scope is the name of the scope the stroke was resolved in.
	Scope string
	// Score is the best score seen, -1 if nothing passed the floor.
	Score float64
	// Best is the stored shape of the winning binding.
	Best    *stroke.Stroke
	Stroke  *stroke.Stroke
	Ranking []Candidate
}

// Recorder receives every outcome, e.g. for the ranking history.
type Recorder interface {
	Record(scope string, o *Outcome) error
}

// Engine resolves strokes. Env supplies the collaborators used to execute
// actions and to synthesize the button release.
type Engine struct {
	Comparator stroke.Comparator
	Env        action.Env
	Recorder   Recorder
	Logger     *slog.Logger
}

// New returns an engine.
func New(cmp stroke.Comparator, env action.Env, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if env.Logger == nil {
		env.Logger = logger
	}
	return &Engine{Comparator: cmp, Env: env, Logger: logger}
}

// Resolve matches s against the bindings visible at node and runs the
// winning action. releasedButton is the button whose release the capture
// layer swallowed, 0 for none; it is released before the action runs.
func (e *Engine) Resolve(node *actiondb.Node, s *stroke.Stroke, releasedButton uint) *Outcome {
	o := e.rank(node, s)
	e.finish(o, releasedButton)
	return o
}

// ResolveForApp resolves s in the scope selected for a window class. Only the
// ranking runs under the read lock; the action and the recorder run after.
func (e *Engine) ResolveForApp(db *actiondb.DB, class string, s *stroke.Stroke, releasedButton uint) *Outcome {
	var o *Outcome
	_ = db.View(func(*actiondb.Node) error {
		o = e.rank(db.ForApp(class), s)
		return nil
	})
	e.finish(o, releasedButton)
	return o
}

// rank scores s against node and picks the winner without side effects.
//
// Candidates are ranked by score (descending), then name, then token. Only a
// candidate with the top score can win: the first exact match among those
// tied at the top. A lower exact match never beats a higher inexact one. If
// nothing wins and s is trivial, the click fallback applies.
func (e *Engine) rank(node *actiondb.Node, s *stroke.Stroke) *Outcome {
	o := &Outcome{ID: token.NotFound, Score: -1, Stroke: s}
	if node != nil {
		o.Scope = node.Name
	}
	if !s.Valid() || node == nil {
		return o
	}

	for id, shapes := range node.Strokes() {
		var name string
		if info, ok := node.Info(id); ok {
			name = info.Name
		}
		for _, shape := range shapes.Slice() {
			match, score := e.Comparator.Compare(s, shape)
			if score < Floor {
				continue
			}
			o.Ranking = append(o.Ranking, Candidate{Score: score, Match: match, ID: id, Name: name, Stroke: shape})
		}
	}
	sortCandidates(o.Ranking)

	if len(o.Ranking) > 0 {
		o.Score = o.Ranking[0].Score
	}
	for _, c := range o.Ranking {
		if c.Score < o.Score {
			break
		}
		if !c.Match {
			continue
		}
		info, _ := node.Info(c.ID)
		o.Matched = true
		o.ID = c.ID
		o.Name = c.Name
		o.Action = info.Action
		o.Best = c.Stroke
		break
	}

	if !o.Matched && s.IsTrivial() {
		o.Name = DefaultClickName
		if s.IsTimeout() {
			o.ID = token.Timeout
		} else {
			o.ID = token.Click
			o.Matched = true
		}
	}
	return o
}

// finish executes a matched outcome and hands it to the recorder.
func (e *Engine) finish(o *Outcome, releasedButton uint) {
	if o.Matched {
		e.Logger.Info("executing action", "name", o.Name, "scope", o.Scope)
		if releasedButton != 0 && e.Env.Injector != nil {
			if err := e.Env.Injector.ReleaseButton(releasedButton); err != nil {
				e.Logger.Error("button release failed", "button", releasedButton, "error", err)
			}
		}
		if o.Action != nil {
			o.Action.Execute(e.Env)
		}
	} else {
		e.Logger.Info("couldn't find matching stroke", "scope", o.Scope, "score", o.Score)
	}

	if e.Recorder != nil {
		if err := e.Recorder.Record(o.Scope, o); err != nil {
			e.Logger.Warn("record outcome", "error", err)
		}
	}
}

func sortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return token.Less(a.ID, b.ID)
	})
}
