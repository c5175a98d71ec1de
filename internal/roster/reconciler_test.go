package roster

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/callkit/internal/domain"
)

func user(id string) *domain.User {
	return &domain.User{ID: domain.UserID(id), Username: id}
}

func ids(members []*domain.User) []domain.UserID {
	out := make([]domain.UserID, len(members))
	for i, m := range members {
		out[i] = m.ID
	}
	return out
}

func set(userIDs ...domain.UserID) map[domain.UserID]struct{} {
	out := make(map[domain.UserID]struct{}, len(userIDs))
	for _, id := range userIDs {
		out[id] = struct{}{}
	}
	return out
}

// requireConsistent asserts the structural invariants that must hold after
// every mutation: the id set mirrors the list, and every inviting member
// is a member.
func requireConsistent(t *testing.T, r *Reconciler) {
	t.Helper()
	members := r.Members()
	memberIDs := r.MemberUserIDs()
	require.Len(t, memberIDs, len(members))
	for _, m := range members {
		require.Contains(t, memberIDs, m.ID)
	}
	for id := range r.InvitingMemberUserIDs() {
		require.Contains(t, memberIDs, id)
	}
}

func newTestReconciler() *Reconciler {
	return NewReconciler("conv", "local", []*domain.User{user("local")}, nil)
}

func TestStartInvitingAddsOnlyNewMembers(t *testing.T) {
	r := newTestReconciler()
	changed := 0
	r.Changed = func() { changed++ }

	r.ReportStartInviting([]*domain.User{user("u1"), user("u2")})
	require.Equal(t, 1, changed, "one batched signal per call")
	require.Equal(t, []domain.UserID{"local", "u1", "u2"}, ids(r.Members()))
	require.Equal(t, set("u1", "u2"), r.InvitingMemberUserIDs())
	requireConsistent(t, r)

	// Already tracked: nothing changes, no signal.
	r.ReportStartInviting([]*domain.User{user("u1")})
	require.Equal(t, 1, changed)
	requireConsistent(t, r)
}

func TestMemberConnectedClearsInviting(t *testing.T) {
	r := newTestReconciler()
	r.ReportStartInviting([]*domain.User{user("u1")})

	r.ReportMemberConnected(user("u1"))
	require.Empty(t, r.InvitingMemberUserIDs())
	require.Equal(t, []domain.UserID{"local", "u1"}, ids(r.Members()))
	requireConsistent(t, r)
}

func TestMemberConnectedAppendsUnknownUser(t *testing.T) {
	r := newTestReconciler()
	r.ReportMemberConnected(user("u9"))
	require.Equal(t, []domain.UserID{"local", "u9"}, ids(r.Members()))
	requireConsistent(t, r)
}

func TestMemberDisconnected(t *testing.T) {
	r := newTestReconciler()
	r.ReportStartInviting([]*domain.User{user("u1")})
	changed := 0
	r.Changed = func() { changed++ }

	r.ReportMemberDisconnected("u1")
	require.Equal(t, 1, changed)
	require.Equal(t, []domain.UserID{"local"}, ids(r.Members()))
	requireConsistent(t, r)

	// Unknown user: no removal, no signal.
	r.ReportMemberDisconnected("ghost")
	require.Equal(t, 1, changed)
	requireConsistent(t, r)
}

func TestReconcileEvictsZombies(t *testing.T) {
	r := NewReconciler("conv", "A", []*domain.User{user("A"), user("B"), user("C")}, nil)
	r.Reconcile(set("A", "C"))
	require.Equal(t, []domain.UserID{"A", "C"}, ids(r.Members()))
	requireConsistent(t, r)
}

func TestReconcileNeverEvictsLocalUser(t *testing.T) {
	r := NewReconciler("conv", "local", []*domain.User{user("local"), user("u1")}, nil)
	// Poll gap: the local user is missing from the roster.
	r.Reconcile(set("u1"))
	require.Equal(t, []domain.UserID{"local", "u1"}, ids(r.Members()))

	r.Reconcile(set())
	require.Equal(t, []domain.UserID{"local"}, ids(r.Members()))
	requireConsistent(t, r)
}

// The end-to-end flow from the call grid: invite two, one connects, then a
// poll that no longer lists the other evicts them.
func TestInviteConnectPollScenario(t *testing.T) {
	r := newTestReconciler()

	r.ReportStartInviting([]*domain.User{user("u1"), user("u2")})
	require.Equal(t, []domain.UserID{"local", "u1", "u2"}, ids(r.Members()))
	require.Equal(t, set("u1", "u2"), r.InvitingMemberUserIDs())

	r.ReportMemberConnected(user("u1"))
	require.Equal(t, set("u2"), r.InvitingMemberUserIDs())
	require.Equal(t, []domain.UserID{"local", "u1", "u2"}, ids(r.Members()))

	r.Reconcile(set("local", "u1"))
	require.Equal(t, []domain.UserID{"local", "u1"}, ids(r.Members()))
	require.Empty(t, r.InvitingMemberUserIDs())
	requireConsistent(t, r)
}

func TestIsSpeaking(t *testing.T) {
	r := newTestReconciler()
	r.ReportAudioLevels(map[domain.UserID]float64{"local": 0.5, "u1": 0.005})

	require.True(t, r.IsSpeaking("local"))
	require.False(t, r.IsSpeaking("u1"), "below threshold")

	r.SetLocalMuted(true)
	require.False(t, r.IsSpeaking("local"), "muted local user never shows as speaking")
	require.False(t, r.IsSpeaking("u1"))
}
