package resource

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAcceptsSupportedForms(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Key
	}{
		{
			name: "calendar path",
			raw:  "/calendars/bob/default",
			want: Key{Kind: KindCalendar, OwnerID: "bob", ResourceID: "default"},
		},
		{
			name: "calendar path with trailing slash",
			raw:  "/calendars/bob/default/",
			want: Key{Kind: KindCalendar, OwnerID: "bob", ResourceID: "default"},
		},
		{
			name: "address book path",
			raw:  "/addressbooks/alice/contacts",
			want: Key{Kind: KindAddressBook, OwnerID: "alice", ResourceID: "contacts"},
		},
		{
			name: "calendar scheme",
			raw:  "cal://bob/default",
			want: Key{Kind: KindCalendar, OwnerID: "bob", ResourceID: "default"},
		},
		{
			name: "address book scheme",
			raw:  "card://alice/collected",
			want: Key{Kind: KindAddressBook, OwnerID: "alice", ResourceID: "collected"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.raw)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestParseRejectsMalformedURIs(t *testing.T) {
	for _, raw := range []string{
		"",
		"   ",
		"/calendars/bob",
		"/calendars/bob/default/extra",
		"/tasks/bob/default",
		"cal://bob",
		"cal://bob/my calendar",
		"A",
	} {
		_, err := Parse(raw)
		require.Error(t, err, "raw=%q", raw)
		require.True(t, errors.Is(err, ErrInvalidURI), "raw=%q", raw)
	}
}

func TestEquivalentFormsProduceSameKey(t *testing.T) {
	require.Equal(t, MustParse("cal://bob/default"), MustParse("/calendars/bob/default"))
	require.NotEqual(t, MustParse("cal://bob/default"), MustParse("card://bob/default"))
}

func TestURIRendersCanonicalPath(t *testing.T) {
	require.Equal(t, "/calendars/bob/default", MustParse("cal://bob/default").URI())
	require.Equal(t, "/addressbooks/alice/contacts", MustParse("card://alice/contacts").String())
	require.True(t, Key{}.IsZero())
	require.False(t, MustParse("cal://bob/default").IsZero())
}
