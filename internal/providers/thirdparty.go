package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/you/gnasty-emotes/internal/payload"
)

var (
	ffzBaseURL            = "https://api.frankerfacez.com/v1"
	bttvBaseURL           = "https://api.betterttv.net/3"
	recentMessagesBaseURL = "https://recent-messages.robotty.de/api/v2/recent-messages"
)

// ThirdParty fetches FFZ and BTTV catalogs and recent chat history. None of
// these endpoints need credentials.
type ThirdParty struct {
	HTTP *http.Client
}

func NewThirdParty(c *http.Client) *ThirdParty {
	return &ThirdParty{HTTP: c}
}

// FFZRoom fetches the FFZ room of channel. roomID is the Twitch user id;
// when empty the room is looked up by login.
func (t *ThirdParty) FFZRoom(ctx context.Context, channel, roomID string) (payload.Payload, error) {
	endpoint := ffzBaseURL + "/room/" + url.PathEscape(strings.ToLower(channel))
	if roomID != "" {
		endpoint = ffzBaseURL + "/room/id/" + url.PathEscape(roomID)
	}
	return t.fetch(ctx, endpoint, payload.KindFFZRoom, channel)
}

func (t *ThirdParty) FFZGlobal(ctx context.Context) (payload.Payload, error) {
	return t.fetch(ctx, ffzBaseURL+"/set/global", payload.KindFFZGlobal, "")
}

// BTTVChannel fetches the BTTV emotes of the Twitch user roomID.
func (t *ThirdParty) BTTVChannel(ctx context.Context, channel, roomID string) (payload.Payload, error) {
	if roomID == "" {
		return payload.Payload{}, fmt.Errorf("bttv %s: room id required: %w", channel, ErrNotFound)
	}
	return t.fetch(ctx, bttvBaseURL+"/cached/users/twitch/"+url.PathEscape(roomID), payload.KindBTTVChannel, channel)
}

func (t *ThirdParty) BTTVGlobal(ctx context.Context) (payload.Payload, error) {
	return t.fetch(ctx, bttvBaseURL+"/cached/emotes/global", payload.KindBTTVGlobal, "")
}

// RecentMessages returns the raw IRC lines buffered for channel.
func (t *ThirdParty) RecentMessages(ctx context.Context, channel string) ([]string, error) {
	endpoint := recentMessagesBaseURL + "/" + url.PathEscape(strings.ToLower(strings.TrimSpace(channel)))
	var parsed struct {
		Messages []string `json:"messages"`
		Error    string   `json:"error"`
	}
	err := t.do(ctx, endpoint, func(r io.Reader) error {
		if err := json.NewDecoder(r).Decode(&parsed); err != nil {
			return fmt.Errorf("decode recent messages: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if parsed.Error != "" && len(parsed.Messages) == 0 {
		return nil, fmt.Errorf("recent messages %s: %s", channel, parsed.Error)
	}
	return parsed.Messages, nil
}

func (t *ThirdParty) fetch(ctx context.Context, endpoint string, kind payload.Kind, channel string) (payload.Payload, error) {
	var p payload.Payload
	err := t.do(ctx, endpoint, func(r io.Reader) error {
		var err error
		p, err = payload.Decode(kind, channel, r)
		return err
	})
	return p, err
}

func (t *ThirdParty) do(ctx context.Context, endpoint string, decode func(io.Reader) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient(t.HTTP).Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	return decode(resp.Body)
}
