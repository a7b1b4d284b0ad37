package runtime

import (
	"errors"
	"fmt"
	"strings"

	errspkg "github.com/drblury/leopard/internal/runtime/errors"
	"github.com/drblury/leopard/transport"
)

// GroupHandle is a group materialised on a worker's service.
type GroupHandle struct {
	Name   string
	Queue  string
	Parent *GroupHandle

	container transport.Group
}

// Path lists group names from the outermost ancestor down to g.
func (g *GroupHandle) Path() []string {
	var path []string
	for cur := g; cur != nil; cur = cur.Parent {
		path = append([]string{cur.Name}, path...)
	}
	return path
}

// Prefix is the subject prefix the group adds, e.g. "mammal.feline".
func (g *GroupHandle) Prefix() string {
	return strings.Join(g.Path(), ".")
}

// EffectiveQueue is the group's own queue or the nearest ancestor's.
func (g *GroupHandle) EffectiveQueue() string {
	for cur := g; cur != nil; cur = cur.Parent {
		if cur.Queue != "" {
			return cur.Queue
		}
	}
	return ""
}

// resolveGroups creates every group in defs on root, parents first, each
// exactly once. Missing parents and cycles are configuration errors.
func resolveGroups(root transport.Container, defs map[string]Group, order []string) (map[string]*GroupHandle, error) {
	r := &groupResolver{
		root:      root,
		defs:      defs,
		resolved:  make(map[string]*GroupHandle, len(defs)),
		resolving: make(map[string]bool),
	}
	for _, name := range order {
		if _, err := r.resolve(name, ""); err != nil {
			return nil, err
		}
	}
	return r.resolved, nil
}

type groupResolver struct {
	root      transport.Container
	defs      map[string]Group
	resolved  map[string]*GroupHandle
	resolving map[string]bool
	chain     []string
}

func (r *groupResolver) resolve(name, child string) (*GroupHandle, error) {
	if h, ok := r.resolved[name]; ok {
		return h, nil
	}

	def, ok := r.defs[name]
	if !ok {
		if child != "" {
			return nil, errspkg.NewConfigurationError(fmt.Sprintf("group %q", child), fmt.Errorf("parent group %q is not defined", name))
		}
		return nil, errspkg.NewConfigurationError(fmt.Sprintf("group %q", name), errors.New("not defined"))
	}
	if r.resolving[name] {
		cycle := append(append([]string(nil), r.chain...), name)
		return nil, errspkg.NewConfigurationError(fmt.Sprintf("group %q", name), fmt.Errorf("parent cycle %s", strings.Join(cycle, " -> ")))
	}

	r.resolving[name] = true
	r.chain = append(r.chain, name)
	defer func() {
		delete(r.resolving, name)
		r.chain = r.chain[:len(r.chain)-1]
	}()

	var (
		parent    *GroupHandle
		container transport.Container = r.root
	)
	if def.Parent != "" {
		p, err := r.resolve(def.Parent, name)
		if err != nil {
			return nil, err
		}
		parent = p
		container = p.container
	}

	g, err := container.AddGroup(transport.GroupConfig{Name: def.Name, QueueGroup: def.Queue})
	if err != nil {
		return nil, fmt.Errorf("add group %q: %w", name, err)
	}
	h := &GroupHandle{Name: def.Name, Queue: def.Queue, Parent: parent, container: g}
	r.resolved[name] = h
	return h, nil
}

// AttachedEndpoint describes an endpoint live on a worker.
type AttachedEndpoint struct {
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Group   string `json:"group,omitempty"`
	// Queue is the queue group in effect; empty means the service default.
	Queue string `json:"queue,omitempty"`
}

// attachEndpoints adds every endpoint to the service root or its group and
// returns what was attached. Every endpoint's group is checked before the
// first AddEndpoint call, so a configuration error leaves nothing subscribed.
func attachEndpoints(root transport.Container, serviceQueue string, groups map[string]*GroupHandle, eps []Endpoint, callback func(Endpoint) transport.Callback) ([]AttachedEndpoint, error) {
	type placement struct {
		container transport.Container
		info      AttachedEndpoint
	}

	plan := make([]placement, 0, len(eps))
	for _, ep := range eps {
		p := placement{
			container: root,
			info:      AttachedEndpoint{Name: ep.Name, Subject: ep.Subject, Group: ep.Group, Queue: serviceQueue},
		}
		if ep.Group != "" {
			h, ok := groups[ep.Group]
			if !ok {
				return nil, errspkg.NewConfigurationError(fmt.Sprintf("endpoint %q", ep.Name), fmt.Errorf("group %q is not defined", ep.Group))
			}
			p.container = h.container
			p.info.Subject = h.Prefix() + "." + ep.Subject
			if q := h.EffectiveQueue(); q != "" {
				p.info.Queue = q
			}
		}
		if ep.Queue != "" {
			p.info.Queue = ep.Queue
		}
		plan = append(plan, p)
	}

	attached := make([]AttachedEndpoint, 0, len(eps))
	for i, ep := range eps {
		err := plan[i].container.AddEndpoint(transport.EndpointConfig{
			Name:       ep.Name,
			Subject:    ep.Subject,
			QueueGroup: ep.Queue,
		}, callback(ep))
		if err != nil {
			return attached, fmt.Errorf("add endpoint %q: %w", ep.Name, err)
		}
		attached = append(attached, plan[i].info)
	}
	return attached, nil
}
