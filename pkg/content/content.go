// Package content is the narrow seam to session summary generation. The
// real summarizer lives outside this module; Static serves tests and
// lite mode.
package content

import (
	"context"
	"strings"

	"github.com/Mindburn-Labs/kfactor/pkg/contracts"
)

// Summary is the structured view of a session transcript.
type Summary struct {
	SkillGaps []string `json:"skillGaps"`
	Strengths []string `json:"strengths"`
	NextSteps []string `json:"nextSteps"`
}

// Summarizer turns a transcript into a Summary.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (*Summary, error)
}

// Static returns the same summary for every non-empty transcript.
type Static struct {
	Summary Summary
}

func (s Static) Summarize(_ context.Context, transcript string) (*Summary, error) {
	if strings.TrimSpace(transcript) == "" {
		return &Summary{}, nil
	}
	out := Summary{
		SkillGaps: append([]string(nil), s.Summary.SkillGaps...),
		Strengths: append([]string(nil), s.Summary.Strengths...),
		NextSteps: append([]string(nil), s.Summary.NextSteps...),
	}
	return &out, nil
}

// Enrich fills missing skill gaps and next steps on tc from its transcript.
// Fields already present are kept. The transcript itself is left untouched.
func Enrich(ctx context.Context, s Summarizer, tc *contracts.TriggerContext) error {
	if s == nil || strings.TrimSpace(tc.Transcript) == "" {
		return nil
	}
	if len(tc.SkillGaps) > 0 && len(tc.NextSteps) > 0 {
		return nil
	}
	sum, err := s.Summarize(ctx, tc.Transcript)
	if err != nil {
		return err
	}
	if len(tc.SkillGaps) == 0 {
		tc.SkillGaps = sum.SkillGaps
	}
	if len(tc.NextSteps) == 0 {
		tc.NextSteps = sum.NextSteps
	}
	return nil
}
