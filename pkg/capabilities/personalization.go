package capabilities

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/kfactor/pkg/contracts"
	"github.com/Mindburn-Labs/kfactor/pkg/loops"
)

// copyTemplates holds rule-based invite copy per loop and persona. Braced
// tokens are filled from the trigger context.
var copyTemplates = [loops.KindCount][contracts.PersonaCount]contracts.Copy{
	loops.KindBuddyChallenge: {
		contracts.PersonaStudent: {
			Headline: "Think you can beat my {subject} score?",
			Body:     "I just scored {score} on a {subject} practice set. Take the same challenge and see who comes out on top.",
			CTA:      "Accept the challenge",
			Tone:     "playful",
		},
	},
	loops.KindStreakRescue: {
		contracts.PersonaStudent: {
			Headline: "Help me save my {streak}-day streak",
			Body:     "My streak ends soon. Practice with me today and we both get a streak shield.",
			CTA:      "Practice together",
			Tone:     "urgent",
		},
	},
	loops.KindResultsRally: {
		contracts.PersonaStudent: {
			Headline: "I scored {score} in {subject}",
			Body:     "See how you compare. Practice the same skills and climb the leaderboard with me.",
			CTA:      "See my results",
			Tone:     "celebratory",
		},
		contracts.PersonaParent: {
			Headline: "Our {subject} results are in",
			Body:     "My child scored {score}. Invite another family to practice together and both kids earn rewards.",
			CTA:      "Invite a family",
			Tone:     "proud",
		},
	},
	loops.KindProudParent: {
		contracts.PersonaParent: {
			Headline: "Celebrating a milestone: {milestone}",
			Body:     "We hit a big milestone this week. Book a session and your first class is on us.",
			CTA:      "Claim a free class",
			Tone:     "warm",
		},
		contracts.PersonaStudent: {
			Headline: "I reached {milestone}",
			Body:     "Share the moment with your family and book a session together.",
			CTA:      "Share with family",
			Tone:     "warm",
		},
	},
	loops.KindTutorSpotlight: {
		contracts.PersonaTutor: {
			Headline: "Students rate my {subject} sessions five stars",
			Body:     "Book a session with me. New students get a free class pass and a 200 XP boost.",
			CTA:      "Book a session",
			Tone:     "professional",
		},
	},
}

var genericCopy = contracts.Copy{
	Headline: "Learn with me",
	Body:     "I have been practicing {subject} here. Join me and we both get rewarded.",
	CTA:      "Join now",
	Tone:     "friendly",
}

// Personalization chooses invite copy, reward and channel by rule.
type Personalization struct {
	logger  *slog.Logger
	actions actions
}

func NewPersonalization() *Personalization {
	p := &Personalization{logger: slog.Default().With("component", "personalization")}
	p.actions = actions{contracts.ActionPersonalize: p.personalize}
	return p
}

func (p *Personalization) Handle(ctx context.Context, req *contracts.AgentRequest) (*contracts.AgentResponse, error) {
	return p.actions.handle(ctx, contracts.AgentPersonalization, req)
}

func (p *Personalization) personalize(_ context.Context, req *contracts.AgentRequest) (*contracts.AgentResponse, error) {
	in, err := contracts.DecodePayload[contracts.PersonalizeRequest](req)
	if err != nil {
		return invalid(req, err), nil
	}
	if err := in.Trigger.Validate(); err != nil {
		return invalid(req, err), nil
	}
	k, ok := loops.KindOf(in.LoopID)
	if !ok {
		return contracts.Decline(req, contracts.CodeValidation, fmt.Sprintf("unknown loop %q", in.LoopID)), nil
	}

	out := contracts.Personalization{
		Copy:    renderCopy(k, &in.Trigger),
		Channel: chooseChannel(&in.Trigger),
	}
	if pair, ok := loops.RewardFor(in.Trigger.Persona, k); ok {
		out.Reward = &pair
	}
	rationale := fmt.Sprintf("rule-based %s copy for %s via %s", out.Copy.Tone, in.Trigger.Persona, out.Channel)
	return contracts.OK(req, rationale, out), nil
}

func renderCopy(k loops.Kind, t *contracts.Trigger) contracts.Copy {
	c := copyTemplates[k][t.Persona]
	if c.Headline == "" {
		c = genericCopy
	}
	r := strings.NewReplacer(
		"{subject}", orDefault(t.Context.Subject, "practice"),
		"{score}", formatScore(t.Context),
		"{streak}", strconv.Itoa(t.Context.CurrentStreak),
		"{milestone}", orDefault(t.Context.Milestone, "a new level"),
	)
	return contracts.Copy{
		Headline: norm.NFC.String(r.Replace(c.Headline)),
		Body:     norm.NFC.String(r.Replace(c.Body)),
		CTA:      norm.NFC.String(c.CTA),
		Tone:     c.Tone,
	}
}

// chooseChannel honours an explicit preference, otherwise parents and tutors
// get email and students get sms.
func chooseChannel(t *contracts.Trigger) contracts.Channel {
	if t.Context.PreferredChannel != "" {
		return t.Context.PreferredChannel
	}
	if t.Persona == contracts.PersonaStudent {
		return contracts.ChannelSMS
	}
	return contracts.ChannelEmail
}

func formatScore(tc contracts.TriggerContext) string {
	switch {
	case tc.PracticeScore != nil:
		s := *tc.PracticeScore
		if s <= 1 {
			s *= 100
		}
		return fmt.Sprintf("%.0f%%", s)
	case tc.Score != nil:
		return strconv.FormatFloat(*tc.Score, 'f', -1, 64)
	case tc.Percentile != nil:
		return fmt.Sprintf("top %.0f%%", 100-*tc.Percentile)
	}
	return "a great score"
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
