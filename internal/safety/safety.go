// Package safety screens images for unsafe content before they reach a model.
package safety

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/local/submitgate/internal/apperr"
)

// Likelihood is an ordered confidence level. Higher is more likely.
type Likelihood int

const (
	Unknown Likelihood = iota
	VeryUnlikely
	Unlikely
	Possible
	Likely
	VeryLikely
)

var likelihoodNames = [...]string{"UNKNOWN", "VERY_UNLIKELY", "UNLIKELY", "POSSIBLE", "LIKELY", "VERY_LIKELY"}

func (l Likelihood) String() string {
	if l < Unknown || int(l) >= len(likelihoodNames) {
		return fmt.Sprintf("Likelihood(%d)", int(l))
	}
	return likelihoodNames[l]
}

// ParseLikelihood parses names like "LIKELY". Unrecognized values are Unknown.
func ParseLikelihood(s string) Likelihood {
	s = strings.ToUpper(strings.TrimSpace(s))
	for i, n := range likelihoodNames {
		if n == s {
			return Likelihood(i)
		}
	}
	return Unknown
}

func (l Likelihood) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// Category is a kind of unsafe content.
type Category string

const (
	Adult    Category = "adult"
	Violence Category = "violence"
	Racy     Category = "racy"
	Medical  Category = "medical"
	Spoof    Category = "spoof"
)

// Verdict maps each category to the classifier's confidence.
type Verdict map[Category]Likelihood

// Policy is the minimum likelihood per category at which content is denied.
// Categories absent from the policy never deny.
type Policy map[Category]Likelihood

// DefaultPolicy denies adult or violent content at LIKELY and racy content
// only at VERY_LIKELY.
func DefaultPolicy() Policy {
	return Policy{
		Adult:    Likely,
		Violence: Likely,
		Racy:     VeryLikely,
	}
}

// Violations returns the categories of v that meet or exceed the policy,
// sorted by name.
func (p Policy) Violations(v Verdict) []Category {
	var out []Category
	for cat, threshold := range p {
		if got, ok := v[cat]; ok && got >= threshold {
			out = append(out, cat)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Denies reports whether v violates the policy.
func (p Policy) Denies(v Verdict) bool { return len(p.Violations(v)) > 0 }

// Classifier rates an image.
type Classifier interface {
	Classify(ctx context.Context, image []byte) (Verdict, error)
}

// Screen applies a Policy to a Classifier's verdict.
type Screen struct {
	classifier Classifier
	policy     Policy
}

// NewScreen returns a screen. A nil policy means DefaultPolicy.
func NewScreen(c Classifier, p Policy) *Screen {
	if p == nil {
		p = DefaultPolicy()
	}
	return &Screen{classifier: c, policy: p}
}

// Check classifies image and returns ContentRejected when it is unsafe.
// Classifier failures are UpstreamUnavailable; a verdict with no ratings is
// UpstreamMalformed, never an allow.
func (s *Screen) Check(ctx context.Context, image []byte) (Verdict, error) {
	if len(image) == 0 {
		return nil, apperr.New(apperr.InvalidInput, "empty_image", "no image data")
	}
	v, err := s.classifier.Classify(ctx, image)
	if err != nil {
		if apperr.KindOf(err) != "" {
			return nil, err
		}
		return nil, apperr.From(fmt.Errorf("safe search: %w", err))
	}
	if len(v) == 0 {
		return nil, apperr.New(apperr.UpstreamMalformed, apperr.ReasonNoSafeSearch, "classifier returned no ratings")
	}
	if bad := s.policy.Violations(v); len(bad) > 0 {
		names := make([]string, len(bad))
		for i, c := range bad {
			names[i] = fmt.Sprintf("%s=%s", c, v[c])
		}
		return v, apperr.New(apperr.ContentRejected, apperr.ReasonUnsafeContent,
			"image flagged as inappropriate: "+strings.Join(names, ", "))
	}
	return v, nil
}
