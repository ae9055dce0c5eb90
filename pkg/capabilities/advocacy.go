package capabilities

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/kfactor/pkg/contracts"
)

// smsLimit is the length of a single-segment sms.
const smsLimit = 160

// Advocacy builds ready-to-send referral packs for an invite link.
type Advocacy struct {
	actions actions
}

func NewAdvocacy() *Advocacy {
	a := &Advocacy{}
	a.actions = actions{contracts.ActionGeneratePack: a.generatePack}
	return a
}

func (a *Advocacy) Handle(ctx context.Context, req *contracts.AgentRequest) (*contracts.AgentResponse, error) {
	return a.actions.handle(ctx, contracts.AgentAdvocacy, req)
}

func (a *Advocacy) generatePack(_ context.Context, req *contracts.AgentRequest) (*contracts.AgentResponse, error) {
	in, err := contracts.DecodePayload[contracts.PackRequest](req)
	if err != nil {
		return invalid(req, err), nil
	}
	if u, err := url.Parse(in.ShortURL); err != nil || u.Scheme == "" || u.Host == "" {
		return contracts.Decline(req, contracts.CodeValidation, fmt.Sprintf("shortUrl %q is not an absolute url", in.ShortURL)), nil
	}
	if in.Copy.Headline == "" {
		return contracts.Decline(req, contracts.CodeValidation, "copy headline is required"), nil
	}
	pack := BuildPack(in)
	return contracts.OK(req, fmt.Sprintf("%d messages", len(pack.Messages)), pack), nil
}

// BuildPack renders one message per share channel. Every message embeds the
// short url.
func BuildPack(in contracts.PackRequest) contracts.ReferralPack {
	c := in.Copy
	msgs := map[contracts.Channel]string{
		contracts.ChannelSMS:    sms(c, in.ShortURL),
		contracts.ChannelEmail:  fmt.Sprintf("Subject: %s\n\n%s\n\n%s: %s", c.Headline, c.Body, orDefault(c.CTA, "Open"), in.ShortURL),
		contracts.ChannelSocial: fmt.Sprintf("%s %s #learntogether", c.Headline, in.ShortURL),
		contracts.ChannelCopy:   fmt.Sprintf("%s %s", c.Headline, in.ShortURL),
	}
	for ch, m := range msgs {
		msgs[ch] = norm.NFC.String(m)
	}
	return contracts.ReferralPack{LoopID: in.LoopID, ShortURL: in.ShortURL, Messages: msgs}
}

// sms keeps the url intact and trims the headline to fit one segment.
func sms(c contracts.Copy, link string) string {
	room := smsLimit - len(link) - 1
	head := c.Headline
	if len(head) > room {
		head = truncateRunes(head, room-3) + "..."
	}
	return strings.TrimSpace(head + " " + link)
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	out := make([]rune, 0, n)
	size := 0
	for _, r := range s {
		l := len(string(r))
		if size+l > n {
			break
		}
		out = append(out, r)
		size += l
	}
	return string(out)
}
