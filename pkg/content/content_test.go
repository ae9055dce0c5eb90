package content

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/kfactor/pkg/contracts"
)

var fixture = Static{Summary: Summary{
	SkillGaps: []string{"fractions"},
	Strengths: []string{"word problems"},
	NextSteps: []string{"practice equivalent fractions"},
}}

func TestStatic_CopiesSummary(t *testing.T) {
	got, err := fixture.Summarize(context.Background(), "we worked on fractions")
	require.NoError(t, err)
	got.SkillGaps[0] = "mutated"
	again, _ := fixture.Summarize(context.Background(), "again")
	assert.Equal(t, "fractions", again.SkillGaps[0])

	empty, err := fixture.Summarize(context.Background(), "  ")
	require.NoError(t, err)
	assert.Empty(t, empty.SkillGaps)
}

func TestEnrich(t *testing.T) {
	tc := &contracts.TriggerContext{Transcript: "tutor: let's review fractions", NextSteps: []string{"book a follow-up"}}
	require.NoError(t, Enrich(context.Background(), fixture, tc))
	assert.Equal(t, []string{"fractions"}, tc.SkillGaps)
	assert.Equal(t, []string{"book a follow-up"}, tc.NextSteps)

	none := &contracts.TriggerContext{}
	require.NoError(t, Enrich(context.Background(), fixture, none))
	assert.Nil(t, none.SkillGaps)

	require.NoError(t, Enrich(context.Background(), nil, tc))
}

type mockSummarizer struct {
	mock.Mock
}

func (m *mockSummarizer) Summarize(ctx context.Context, transcript string) (*Summary, error) {
	args := m.Called(ctx, transcript)
	s, _ := args.Get(0).(*Summary)
	return s, args.Error(1)
}

func TestEnrich_SkipsSummarizerWhenComplete(t *testing.T) {
	m := &mockSummarizer{}
	tc := &contracts.TriggerContext{
		Transcript: "tutor: ratios again",
		SkillGaps:  []string{"ratios"},
		NextSteps:  []string{"unit rate drill"},
	}
	require.NoError(t, Enrich(context.Background(), m, tc))
	m.AssertNotCalled(t, "Summarize", mock.Anything, mock.Anything)
}

func TestEnrich_PropagatesErrors(t *testing.T) {
	m := &mockSummarizer{}
	m.On("Summarize", mock.Anything, "x").Return(nil, errors.New("summarizer offline")).Once()

	err := Enrich(context.Background(), m, &contracts.TriggerContext{Transcript: "x"})
	require.Error(t, err)
	m.AssertExpectations(t)
}
