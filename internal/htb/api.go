package htb

import (
	"context"
	"fmt"
	"net/url"
	"sort"

	json "github.com/goccy/go-json"

	"htbtracker/internal/domain"
)

// Profile is the public profile summary shown in first-blood notices.
type Profile struct {
	Name      string `json:"name"`
	Rank      string `json:"rank"`
	AvatarURL string `json:"avatar_url"`
}

func (c *Client) Members(ctx context.Context, universityID string) ([]domain.Member, error) {
	var raw []json.RawMessage
	if err := c.getJSON(ctx, "university_members", "/university/members/"+url.PathEscape(universityID), &raw); err != nil {
		return nil, err
	}
	recs := records[memberRecord]("member", raw)
	out := make([]domain.Member, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.member())
	}
	return out, nil
}

// Activity returns the member's feed, most recent first.
func (c *Client) Activity(ctx context.Context, memberID string) ([]domain.ActivityEvent, error) {
	var resp activityResponse
	if err := c.getJSON(ctx, "profile_activity", "/user/profile/activity/"+url.PathEscape(memberID), &resp); err != nil {
		return nil, err
	}
	recs := records[activityRecord]("activity", resp.Profile.Activity)
	out := make([]domain.ActivityEvent, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.event())
	}
	return out, nil
}

func (c *Client) Profile(ctx context.Context, memberID string) (Profile, error) {
	var resp profileResponse
	if err := c.getJSON(ctx, "profile_basic", "/user/profile/basic/"+url.PathEscape(memberID), &resp); err != nil {
		return Profile{}, err
	}
	return Profile{
		Name:      resp.Info.Name,
		Rank:      resp.Info.Rank,
		AvatarURL: avatarURL(resp.Info.AvatarThumb),
	}, nil
}

func (c *Client) Challenges(ctx context.Context) ([]domain.Challenge, error) {
	var resp challengeListResponse
	if err := c.getJSON(ctx, "challenge_list", "/challenge/list", &resp); err != nil {
		return nil, err
	}
	recs := records[challengeRecord]("challenge", resp.Challenges)
	out := make([]domain.Challenge, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.challenge())
	}
	return out, nil
}

// ChallengeCategory looks up the category the list endpoint omits.
func (c *Client) ChallengeCategory(ctx context.Context, challengeID string) (string, error) {
	var resp challengeInfoResponse
	if err := c.getJSON(ctx, "challenge_info", "/challenge/info/"+url.PathEscape(challengeID), &resp); err != nil {
		return "", err
	}
	return resp.Challenge.CategoryName, nil
}

// Machines lists active machines.
func (c *Client) Machines(ctx context.Context) ([]domain.Machine, error) {
	var resp machineListResponse
	if err := c.getJSON(ctx, "machine_list", "/machine/paginated?retired=0", &resp); err != nil {
		return nil, err
	}
	recs := records[machineRecord]("machine", resp.Data)
	out := make([]domain.Machine, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.machine())
	}
	return out, nil
}

func (c *Client) Fortresses(ctx context.Context) ([]domain.Fortress, error) {
	var resp fortressListResponse
	if err := c.getJSON(ctx, "fortress_list", "/fortresses", &resp); err != nil {
		return nil, err
	}
	recs, err := decodeFortresses(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("decode fortresses: %w", err)
	}
	out := make([]domain.Fortress, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.fortress())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FortressFlags returns the flag set of one fortress in upstream order.
func (c *Client) FortressFlags(ctx context.Context, fortressID string) ([]domain.FlagDef, error) {
	var resp flagsResponse
	path := "/fortress/" + url.PathEscape(fortressID) + "/flags"
	if err := c.getJSON(ctx, "fortress_flags", path, &resp); err != nil {
		return nil, err
	}
	if !resp.Status {
		return nil, fmt.Errorf("GET %s: status false", path)
	}
	recs := records[flagRecord]("fortress_flag", resp.Data)
	out := make([]domain.FlagDef, 0, len(recs))
	for _, r := range recs {
		out = append(out, domain.FlagDef{Title: r.Title, Points: int(r.Points)})
	}
	return out, nil
}
