// Package roster keeps the rendered participant list of a group call
// consistent with two sources of truth: locally observed connection events
// (fast, but only visible to this peer) and the server-polled membership
// (authoritative, but on a cadence). Local events are applied eagerly as
// predictions; each poll is the correction pass.
package roster

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callkit/internal/domain"
)

const speakingThreshold = 0.01

// Reconciler is confined to a single goroutine, the one driving the UI;
// poll results must be redispatched there before calling Reconcile.
type Reconciler struct {
	conversationID domain.ConversationID
	localUser      domain.UserID
	logger         zerolog.Logger

	members   []*domain.User
	memberIDs map[domain.UserID]struct{}
	inviting  map[domain.UserID]struct{}

	levels     map[domain.UserID]float64
	localMuted bool

	// Changed is invoked once per mutating batch that altered the list.
	Changed func()
}

func NewReconciler(conversationID domain.ConversationID, localUser domain.UserID, members []*domain.User, inviting []domain.UserID) *Reconciler {
	r := &Reconciler{
		conversationID: conversationID,
		localUser:      localUser,
		logger:         log.With().Str("module", "roster").Str("conversation", string(conversationID)).Logger(),
		memberIDs:      make(map[domain.UserID]struct{}, len(members)),
		inviting:       make(map[domain.UserID]struct{}, len(inviting)),
		levels:         make(map[domain.UserID]float64),
	}
	r.members = append(r.members, members...)
	for _, m := range members {
		r.memberIDs[m.ID] = struct{}{}
	}
	for _, id := range inviting {
		r.inviting[id] = struct{}{}
	}
	return r
}

// Members returns the rendered list in arrival order.
func (r *Reconciler) Members() []*domain.User {
	out := make([]*domain.User, len(r.members))
	copy(out, r.members)
	return out
}

func (r *Reconciler) MemberUserIDs() map[domain.UserID]struct{} {
	out := make(map[domain.UserID]struct{}, len(r.memberIDs))
	for id := range r.memberIDs {
		out[id] = struct{}{}
	}
	return out
}

func (r *Reconciler) InvitingMemberUserIDs() map[domain.UserID]struct{} {
	out := make(map[domain.UserID]struct{}, len(r.inviting))
	for id := range r.inviting {
		out[id] = struct{}{}
	}
	return out
}

// ReportStartInviting adds every not-yet-tracked user to the list and the
// inviting set. Already-tracked users are left untouched.
func (r *Reconciler) ReportStartInviting(users []*domain.User) {
	added := 0
	for _, u := range users {
		if _, ok := r.memberIDs[u.ID]; ok {
			continue
		}
		r.memberIDs[u.ID] = struct{}{}
		r.inviting[u.ID] = struct{}{}
		r.members = append(r.members, u)
		added++
	}
	r.logger.Info().Int("added", added).Msg("start inviting")
	if added > 0 {
		r.notifyChanged()
	}
}

// ReportMemberConnected clears the user's inviting mark and appends them if
// they were not rendered yet.
func (r *Reconciler) ReportMemberConnected(user *domain.User) {
	delete(r.inviting, user.ID)
	if _, ok := r.memberIDs[user.ID]; !ok {
		r.memberIDs[user.ID] = struct{}{}
		r.members = append(r.members, user)
	}
	r.logger.Info().Str("user", string(user.ID)).Msg("member connected")
	r.notifyChanged()
}

func (r *Reconciler) ReportMemberDisconnected(id domain.UserID) {
	delete(r.inviting, id)
	if _, ok := r.memberIDs[id]; !ok {
		return
	}
	delete(r.memberIDs, id)
	for i, m := range r.members {
		if m.ID == id {
			r.members = append(r.members[:i], r.members[i+1:]...)
			break
		}
	}
	r.logger.Info().Str("user", string(id)).Msg("member disconnected")
	r.notifyChanged()
}

// Reconcile evicts every tracked member absent from the polled roster.
// Zombies are members whose disconnection was never individually reported.
// The local user is exempt: a transient poll gap must not evict ourselves.
// Removal walks in reverse index order so index-based UI deletions stay
// valid within one batch.
func (r *Reconciler) Reconcile(remoteUserIDs map[domain.UserID]struct{}) {
	removed := 0
	for i := len(r.members) - 1; i >= 0; i-- {
		id := r.members[i].ID
		if _, ok := remoteUserIDs[id]; ok || id == r.localUser {
			continue
		}
		r.logger.Info().Str("user", string(id)).Int("index", i).Msg("removing zombie")
		delete(r.inviting, id)
		delete(r.memberIDs, id)
		r.members = append(r.members[:i], r.members[i+1:]...)
		removed++
	}
	if removed > 0 {
		r.notifyChanged()
	}
}

// ReportAudioLevels replaces the cached level map wholesale.
func (r *Reconciler) ReportAudioLevels(levels map[domain.UserID]float64) {
	r.levels = levels
}

// SetLocalMuted suppresses the local speaking highlight while muted.
func (r *Reconciler) SetLocalMuted(muted bool) {
	r.localMuted = muted
}

func (r *Reconciler) IsSpeaking(id domain.UserID) bool {
	if id == r.localUser && r.localMuted {
		return false
	}
	return r.levels[id] > speakingThreshold
}

func (r *Reconciler) notifyChanged() {
	if r.Changed != nil {
		r.Changed()
	}
}
