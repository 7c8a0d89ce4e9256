// Package permission holds the stateless chat eligibility rules.
package permission

import (
	"fmt"
	"sort"
	"strings"

	"github.com/noah-isme/lexcoach-api/internal/models"
)

// EmptyConversationTitle is shown when the viewer is the only participant left.
const EmptyConversationTitle = "Empty conversation"

// Actor is the authenticated user performing an operation.
type Actor struct {
	ID   string
	Role models.Role
}

// Participant is the minimal view of a user the rules operate on.
type Participant struct {
	ID        string
	FirstName string
	LastName  string
	Email     string
	Role      models.Role
}

// FullName joins first and last name, falling back to the email address.
func (p Participant) FullName() string {
	name := strings.TrimSpace(strings.TrimSpace(p.FirstName) + " " + strings.TrimSpace(p.LastName))
	if name == "" {
		return p.Email
	}
	return name
}

func (p Participant) firstName() string {
	if first := strings.TrimSpace(p.FirstName); first != "" {
		return first
	}
	return p.FullName()
}

// FromUser converts a user record.
func FromUser(user models.User) Participant {
	return Participant{
		ID:        user.ID,
		FirstName: user.FirstName,
		LastName:  user.LastName,
		Email:     user.Email,
		Role:      user.Role,
	}
}

// CanChatWith reports whether initiator may open a conversation with target.
// Students may only address admins; staff roles may address anyone.
func CanChatWith(initiator, target models.Role) bool {
	if !initiator.Known() || !target.Known() {
		return false
	}
	switch initiator {
	case models.RoleStudent:
		return target == models.RoleAdmin
	case models.RoleAdmin, models.RoleInstructor, models.RoleSpringer:
		return true
	default:
		return false
	}
}

// AvailableChatPartners drops self and every candidate self may not address.
func AvailableChatPartners(self Participant, candidates []Participant) []Participant {
	out := make([]Participant, 0, len(candidates))
	for _, candidate := range candidates {
		if candidate.ID == self.ID {
			continue
		}
		if !CanChatWith(self.Role, candidate.Role) {
			continue
		}
		out = append(out, candidate)
	}
	return out
}

// ConversationType derives the conversation type from participant roles.
func ConversationType(roles []models.Role) models.ConversationType {
	var hasStudent, hasAdmin bool
	for _, role := range roles {
		switch role {
		case models.RoleStudent:
			hasStudent = true
		case models.RoleAdmin:
			hasAdmin = true
		}
	}
	if hasStudent && hasAdmin {
		return models.ConversationTypeSupport
	}
	return models.ConversationTypeGroup
}

// ConversationTitle builds the display title for selfID.
func ConversationTitle(participants []Participant, selfID string) string {
	others := make([]Participant, 0, len(participants))
	for _, participant := range participants {
		if participant.ID == selfID {
			continue
		}
		others = append(others, participant)
	}

	switch len(others) {
	case 0:
		return EmptyConversationTitle
	case 1:
		return others[0].FullName()
	case 2:
		return others[0].FullName() + ", " + others[1].FullName()
	default:
		return fmt.Sprintf("%s, %s +%d more", others[0].firstName(), others[1].firstName(), len(others)-2)
	}
}

// CanEditMessage reports whether actorID may change the content of a message.
func CanEditMessage(authorID, actorID string) bool {
	return authorID != "" && authorID == actorID
}

// CanDeleteMessage reports whether the actor may soft-delete a message. Admins moderate.
func CanDeleteMessage(actorRole models.Role, authorID, actorID string) bool {
	if actorRole == models.RoleAdmin {
		return true
	}
	return authorID != "" && authorID == actorID
}

func roleRank(role models.Role) int {
	switch role {
	case models.RoleAdmin:
		return 0
	case models.RoleInstructor:
		return 1
	case models.RoleSpringer:
		return 2
	case models.RoleStudent:
		return 3
	default:
		return 4
	}
}

// SortChatPartners orders partners by role rank then display name, in place and stable.
func SortChatPartners(list []Participant) {
	sort.SliceStable(list, func(i, j int) bool {
		ri, rj := roleRank(list[i].Role), roleRank(list[j].Role)
		if ri != rj {
			return ri < rj
		}
		return strings.ToLower(list[i].FullName()) < strings.ToLower(list[j].FullName())
	})
}
