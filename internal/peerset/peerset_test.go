package peerset

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/audius/snapback-node/internal/collab"
	"github.com/audius/snapback-node/pkg/models"
)

func TestListUsers_ReturnsDiscoveryResult(t *testing.T) {
	self := models.Endpoint("http://self")
	want := []models.UserRecord{{UserID: 1, Wallet: "0x1", Primary: self}}
	disc := collab.NewStaticDiscovery(want)

	v := New(self, disc, collab.NewClient(0), zerolog.Nop())
	got, err := v.ListUsers(context.Background())
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestListUsers_MissingUserIsNotReturned(t *testing.T) {
	self := models.Endpoint("http://self")
	disc := collab.NewStaticDiscovery([]models.UserRecord{
		{UserID: 1, Wallet: "0x1", Primary: "http://other"},
	})

	v := New(self, disc, collab.NewClient(0), zerolog.Nop())
	got, err := v.ListUsers(context.Background())
	require.NoError(t, err)
	require.Empty(t, got)
}
