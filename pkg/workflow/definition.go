// Package workflow holds the config-loaded workflow definitions: the states,
// legal transitions and officer chain of each citizen service. Definitions
// are validated completely at load time; at runtime the engine only does
// O(1) lookups against the compiled transition table.
package workflow

import (
	"fmt"
	"sort"

	"github.com/vinaykumarvk/puda-workflow-engine/pkg/contracts"
)

// StateType classifies workflow states.
type StateType string

const (
	StateInitial  StateType = "initial"
	StateTask     StateType = "task"
	StateTerminal StateType = "terminal"
)

// Actions understood by the engine. RESUBMITTED is synthetic: it is issued by
// the query sub-protocol, never by an officer, and is not part of the
// transition table.
const (
	ActionSubmit      = "SUBMIT"
	ActionForward     = "FORWARD"
	ActionApprove     = "APPROVE"
	ActionReject      = "REJECT"
	ActionQuery       = "QUERY"
	ActionResubmitted = "RESUBMITTED"
)

// State is a node of the workflow graph. Terminal states carry the disposal
// outcome recorded when an application reaches them.
type State struct {
	ID       string                 `yaml:"id" json:"id"`
	Type     StateType              `yaml:"type" json:"type"`
	Disposal contracts.DisposalType `yaml:"disposal,omitempty" json:"disposal,omitempty"`
}

// Transition is one legal edge: action × fromState, acted by Role, with an
// SLA budget in working days for the task it opens at To.
// QueryTransitionID optionally names the QUERY-action transition available
// from the destination state.
type Transition struct {
	ID                string `yaml:"id" json:"id"`
	From              string `yaml:"from" json:"from"`
	To                string `yaml:"to" json:"to"`
	Action            string `yaml:"action" json:"action"`
	Role              string `yaml:"role" json:"role"`
	SLADays           int    `yaml:"sla_days" json:"sla_days"`
	QueryTransitionID string `yaml:"query_transition_id,omitempty" json:"query_transition_id,omitempty"`
}

// Definition is the complete, validated workflow for one service.
type Definition struct {
	ServiceKey   string       `yaml:"service" json:"service"`
	Name         string       `yaml:"name" json:"name"`
	Engine       string       `yaml:"engine,omitempty" json:"engine,omitempty"`
	QueryState   string       `yaml:"query_state,omitempty" json:"query_state,omitempty"`
	States       []State      `yaml:"states" json:"states"`
	Transitions  []Transition `yaml:"transitions" json:"transitions"`
	OfficerChain []string     `yaml:"officer_chain" json:"officer_chain"`
	Rules        []string     `yaml:"rules,omitempty" json:"rules,omitempty"`

	states      map[string]*State
	transitions map[transitionKey]*Transition
	byID        map[string]*Transition
}

type transitionKey struct {
	from   string
	action string
}

// Step is one hop of a generated path through the workflow.
type Step struct {
	TransitionID string
	Action       string
	Role         string
	From         string
	To           string
}

// compile builds the lookup tables. Called by Validate.
func (d *Definition) compile() {
	d.states = make(map[string]*State, len(d.States))
	for i := range d.States {
		d.states[d.States[i].ID] = &d.States[i]
	}
	d.transitions = make(map[transitionKey]*Transition, len(d.Transitions))
	d.byID = make(map[string]*Transition, len(d.Transitions))
	for i := range d.Transitions {
		t := &d.Transitions[i]
		d.transitions[transitionKey{t.From, t.Action}] = t
		d.byID[t.ID] = t
	}
}

// Validate checks the whole table: exactly one initial state, no dangling
// state references, one role per task state, every task state able to reach
// a terminal state, and query transitions landing on the declared query state.
func (d *Definition) Validate() error {
	if d.ServiceKey == "" {
		return fmt.Errorf("workflow: definition missing service key")
	}
	d.compile()

	var initial []string
	for _, s := range d.States {
		switch s.Type {
		case StateInitial:
			initial = append(initial, s.ID)
		case StateTerminal:
			if s.Disposal == contracts.DisposalNone {
				return fmt.Errorf("workflow %s: terminal state %s has no disposal", d.ServiceKey, s.ID)
			}
		case StateTask:
		default:
			return fmt.Errorf("workflow %s: state %s has unknown type %q", d.ServiceKey, s.ID, s.Type)
		}
	}
	if len(initial) != 1 {
		return fmt.Errorf("workflow %s: expected exactly one initial state, got %d", d.ServiceKey, len(initial))
	}

	seen := make(map[transitionKey]string)
	roleAt := make(map[string]string)
	for _, t := range d.Transitions {
		if _, ok := d.states[t.From]; !ok {
			return fmt.Errorf("workflow %s: transition %s references unknown from-state %s", d.ServiceKey, t.ID, t.From)
		}
		if _, ok := d.states[t.To]; !ok {
			return fmt.Errorf("workflow %s: transition %s references unknown to-state %s", d.ServiceKey, t.ID, t.To)
		}
		key := transitionKey{t.From, t.Action}
		if prev, dup := seen[key]; dup {
			return fmt.Errorf("workflow %s: transitions %s and %s both cover %s from %s", d.ServiceKey, prev, t.ID, t.Action, t.From)
		}
		seen[key] = t.ID
		if t.Action == ActionQuery {
			if d.QueryState == "" || t.To != d.QueryState {
				return fmt.Errorf("workflow %s: query transition %s must target the declared query state", d.ServiceKey, t.ID)
			}
		}
		if t.QueryTransitionID != "" {
			qt, ok := d.byID[t.QueryTransitionID]
			if !ok {
				return fmt.Errorf("workflow %s: transition %s references unknown query transition %s", d.ServiceKey, t.ID, t.QueryTransitionID)
			}
			if qt.Action != ActionQuery {
				return fmt.Errorf("workflow %s: transition %s query reference %s is not a QUERY transition", d.ServiceKey, t.ID, qt.ID)
			}
			if qt.From != t.From {
				return fmt.Errorf("workflow %s: transition %s query reference %s acts from a different state", d.ServiceKey, t.ID, qt.ID)
			}
		}
		// Every transition acted from a state binds that state to one role.
		if t.From != initial[0] && t.From != d.QueryState {
			if r, ok := roleAt[t.From]; ok && r != t.Role {
				return fmt.Errorf("workflow %s: state %s requires both roles %s and %s", d.ServiceKey, t.From, r, t.Role)
			}
			roleAt[t.From] = t.Role
		}
	}

	return d.checkReachability(initial[0])
}

// checkReachability verifies every terminal state is reachable and every task
// state can reach a terminal state (the query state excepted: its exits are
// synthetic).
func (d *Definition) checkReachability(initial string) error {
	adj := make(map[string][]string)
	for _, t := range d.Transitions {
		adj[t.From] = append(adj[t.From], t.To)
	}

	reached := map[string]bool{initial: true}
	stack := []string{initial}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range adj[cur] {
			if !reached[next] {
				reached[next] = true
				stack = append(stack, next)
			}
		}
	}

	var unreachable []string
	for _, s := range d.States {
		if s.ID == d.QueryState {
			continue
		}
		if !reached[s.ID] {
			unreachable = append(unreachable, s.ID)
		}
	}
	if len(unreachable) > 0 {
		sort.Strings(unreachable)
		return fmt.Errorf("workflow %s: unreachable states: %v", d.ServiceKey, unreachable)
	}

	// Reverse walk from terminals: every task state must have a path out.
	radj := make(map[string][]string)
	for _, t := range d.Transitions {
		radj[t.To] = append(radj[t.To], t.From)
	}
	escapes := make(map[string]bool)
	var terminals []string
	for _, s := range d.States {
		if s.Type == StateTerminal {
			terminals = append(terminals, s.ID)
			escapes[s.ID] = true
		}
	}
	if len(terminals) == 0 {
		return fmt.Errorf("workflow %s: no terminal states", d.ServiceKey)
	}
	stack = terminals
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, prev := range radj[cur] {
			if !escapes[prev] {
				escapes[prev] = true
				stack = append(stack, prev)
			}
		}
	}
	var stuck []string
	for _, s := range d.States {
		if s.Type == StateTask && s.ID != d.QueryState && !escapes[s.ID] {
			stuck = append(stuck, s.ID)
		}
	}
	if len(stuck) > 0 {
		sort.Strings(stuck)
		return fmt.Errorf("workflow %s: states with no path to a terminal: %v", d.ServiceKey, stuck)
	}
	return nil
}

// InitialState returns the single initial state ID.
func (d *Definition) InitialState() string {
	for _, s := range d.States {
		if s.Type == StateInitial {
			return s.ID
		}
	}
	return ""
}

// Find returns the transition for (fromState, action), if any.
func (d *Definition) Find(fromState, action string) (*Transition, bool) {
	t, ok := d.transitions[transitionKey{fromState, action}]
	return t, ok
}

// TransitionByID returns a transition by its identifier.
func (d *Definition) TransitionByID(id string) (*Transition, bool) {
	t, ok := d.byID[id]
	return t, ok
}

// StateByID returns a state by its identifier.
func (d *Definition) StateByID(id string) (*State, bool) {
	s, ok := d.states[id]
	return s, ok
}

// RoleForState returns the role that acts at a task state, i.e. the role of
// its outgoing transitions (Validate guarantees there is exactly one).
func (d *Definition) RoleForState(stateID string) (string, bool) {
	for _, t := range d.Transitions {
		if t.From == stateID {
			return t.Role, true
		}
	}
	return "", false
}

// HappyPath walks the definition forward from the initial state, at each hop
// taking the unique transition that is neither a query nor a rejection, until
// a terminal state. Used to generate deterministic approval paths in tests
// and smoke checks.
func (d *Definition) HappyPath() ([]Step, error) {
	cur := d.InitialState()
	var path []Step
	for hops := 0; hops <= len(d.States); hops++ { // bounded: a valid definition cannot loop this long
		st := d.states[cur]
		if st.Type == StateTerminal {
			return path, nil
		}
		var next *Transition
		for i := range d.Transitions {
			t := &d.Transitions[i]
			if t.From != cur || t.Action == ActionQuery {
				continue
			}
			if to, ok := d.states[t.To]; ok && to.Type == StateTerminal && to.Disposal == contracts.DisposalRejected {
				continue
			}
			if next != nil {
				return nil, fmt.Errorf("workflow %s: ambiguous happy path at state %s", d.ServiceKey, cur)
			}
			next = t
		}
		if next == nil {
			return nil, fmt.Errorf("workflow %s: no forward transition from state %s", d.ServiceKey, cur)
		}
		path = append(path, Step{TransitionID: next.ID, Action: next.Action, Role: next.Role, From: next.From, To: next.To})
		cur = next.To
	}
	return nil, fmt.Errorf("workflow %s: happy path did not terminate", d.ServiceKey)
}
