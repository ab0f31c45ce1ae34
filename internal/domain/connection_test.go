package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConnection_Validate(t *testing.T) {
	tests := []struct {
		name    string
		conn    Connection
		wantErr bool
	}{
		{"complete", Connection{ChannelID: "c1", ChatID: "t1"}, false},
		{"missing channel", Connection{ChatID: "t1"}, true},
		{"missing chat", Connection{ChannelID: "c1"}, true},
		{"member variant", MemberConnection("member_123"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.conn.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMissingIdentity)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConnection_Expired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	conn := Connection{TTLExpiresAt: now}

	assert.True(t, conn.Expired(now), "expiry instant itself counts as expired")
	assert.True(t, conn.Expired(now.Add(time.Second)))
	assert.False(t, conn.Expired(now.Add(-time.Second)))
}

func TestConnection_Authenticated(t *testing.T) {
	assert.False(t, Connection{}.Authenticated())
	assert.False(t, Connection{SubjectID: "u1"}.Authenticated())
	assert.False(t, Connection{AuthToken: "tok"}.Authenticated())
	assert.True(t, Connection{SubjectID: "u1", AuthToken: "tok"}.Authenticated())
}

func TestSelector_Matches(t *testing.T) {
	web := Connection{ChannelID: "c1", ChatID: "t1", MediumKey: "web"}
	ios := Connection{ChannelID: "c1", ChatID: "t1", MediumKey: "ios"}
	other := Connection{ChannelID: "c1", ChatID: "t2", MediumKey: "web"}

	all := Selector{ChannelID: "c1", ChatID: "t1"}
	assert.True(t, all.Matches(web))
	assert.True(t, all.Matches(ios))
	assert.False(t, all.Matches(other))

	webOnly := Selector{ChannelID: "c1", ChatID: "t1", MediumKey: "web"}
	assert.True(t, webOnly.Matches(web))
	assert.False(t, webOnly.Matches(ios))
}

func TestMemberVariant_RoundTrip(t *testing.T) {
	conn := MemberConnection("member_123")
	req := MemberBroadcast("member_123", EventTypeRedirect, nil)

	assert.Equal(t, "member_123", conn.ChannelID)
	assert.Equal(t, "member_123", conn.ChatID)
	assert.Empty(t, conn.MediumKey)
	assert.True(t, req.Matches(conn))
	assert.NoError(t, req.Validate())
}
