// Package render produces the per-node installer configuration document from
// the config template and a ledger entry. Substitution is whole-token
// replacement; a document with an unresolved placeholder is never served.
package render

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/pacorain/homelab/lakitu/internal/domain"
	"github.com/pacorain/homelab/lakitu/internal/secrets"
)

// ErrTemplateIncomplete is returned when rendering would leave a literal
// placeholder in the output, or when a secret needed by the template cannot
// be resolved.
var ErrTemplateIncomplete = errors.New("template incomplete")

// leftoverPattern matches anything placeholder-shaped in the rendered
// output, deliberately broader than the substitution grammar: a token the
// replacer didn't recognize ({{ label }} with spaces, {{node-address}})
// must still fail the render rather than reach the installer verbatim.
var leftoverPattern = regexp.MustCompile(`\{\{[^{}]*\}\}`)

// Renderer substitutes identity fields and secret material into the
// installer config template.
type Renderer struct {
	template   string
	resolver   secrets.Resolver
	secretRefs map[string]string // placeholder name -> secret reference
}

// New creates a renderer for the given template text. secretRefs maps
// placeholder names to secret references resolved through resolver at render
// time; secrets are looked up per render so a rotated value takes effect
// without a restart (the resolver may cache).
func New(template string, resolver secrets.Resolver, secretRefs map[string]string) *Renderer {
	return &Renderer{
		template:   template,
		resolver:   resolver,
		secretRefs: secretRefs,
	}
}

// Render produces the installer document for an assignment. Fails closed:
// any unresolved placeholder or secret aborts the whole render.
func (r *Renderer) Render(a domain.Assignment) (string, error) {
	values := map[string]string{
		"address":          a.Identity.Address,
		"label":            a.Identity.Label,
		"hardware_addr":    a.HardwareAddr,
		"completion_token": a.CompletionToken,
	}

	for name, ref := range r.secretRefs {
		v, err := r.resolver.Resolve(ref)
		if err != nil {
			return "", fmt.Errorf("%w: secret %q: %v", ErrTemplateIncomplete, name, err)
		}
		values[name] = v
	}

	pairs := make([]string, 0, len(values)*2)
	for name, v := range values {
		pairs = append(pairs, "{{"+name+"}}", v)
	}
	out := strings.NewReplacer(pairs...).Replace(r.template)

	if leftover := leftoverPattern.FindAllString(out, -1); len(leftover) > 0 {
		sort.Strings(leftover)
		return "", fmt.Errorf("%w: unresolved placeholders %s", ErrTemplateIncomplete, strings.Join(leftover, ", "))
	}
	return out, nil
}
