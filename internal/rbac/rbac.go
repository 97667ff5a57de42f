package rbac

type Role string

const (
	RoleFacilitator Role = "facilitator"
	RoleParticipant Role = "participant"
)

// Normalize maps stored member roles onto the known set. Anything that is not
// explicitly a facilitator is treated as a participant.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleFacilitator:
		return RoleFacilitator
	default:
		return RoleParticipant
	}
}

// TracksActivity reports whether a member joining a live session counts as
// team activity. Facilitators open sessions constantly, so only participant
// joins refresh the team's last connection date.
func TracksActivity(role string) bool {
	return Normalize(role) != RoleFacilitator
}
