package vox

import "strings"

// A Right is one capability an account can hold. The server grants a set of
// them on login; guarded commands are prechecked against the set before any
// network I/O.
type Right uint32

// The account rights.
const (
	RightUpload Right = iota
	RightDownload
	RightKick
	RightBan
	RightMoveUsers
	RightModifyChannels
	RightTemporaryChannels
	RightBroadcast
	RightTransmitVoice
	RightTransmitVideo
	RightTransmitDesktop
	RightTransmitFiles
	RightGrantDesktopAccess
	RightUpdateServer
	RightChangeNickname
	RightSeeAllUsers
	RightMultiLogin

	rightCount
)

var rightNames = [...]string{
	"upload", "download", "kick", "ban", "moveusers", "modifychannels",
	"temporarychannels", "broadcast", "voice", "video", "desktop", "files",
	"grantdesktop", "updateserver", "changenick", "seeallusers", "multilogin",
}

func (right Right) String() string {
	if int(right) < len(rightNames) {
		return rightNames[right]
	}
	return "unknown"
}

// A RightSet is a set of rights, represented as a bitmask on the wire but
// handled as a set everywhere else.
type RightSet uint32

// AllRights has every right set; it's what an Administrator account gets.
const AllRights = RightSet(1<<rightCount - 1)

// NewRightSet builds a set from individual rights.
func NewRightSet(rights ...Right) RightSet {
	var set RightSet
	for _, right := range rights {
		set |= 1 << right
	}
	return set
}

// Has returns true if the right is in the set.
func (set RightSet) Has(right Right) bool {
	return set&(1<<right) != 0
}

// With returns the set with the rights added.
func (set RightSet) With(rights ...Right) RightSet {
	return set | NewRightSet(rights...)
}

// Without returns the set with the rights removed.
func (set RightSet) Without(rights ...Right) RightSet {
	return set &^ NewRightSet(rights...)
}

func (set RightSet) String() string {
	names := make([]string, 0, rightCount)
	for right := Right(0); right < rightCount; right++ {
		if set.Has(right) {
			names = append(names, right.String())
		}
	}
	return strings.Join(names, ",")
}

// A UserType is the server-side classification of an account.
type UserType int

// User types.
const (
	UserTypeDefault UserType = iota
	UserTypeAdministrator
)

// An Account is the immutable per-session snapshot of the logged-in
// account's grants and limits. The server owns the lifecycle; the client
// only mirrors what the accepted event carried.
type Account struct {
	Username string
	Type     UserType
	Rights   RightSet

	// MaxBitrateBps caps any stream this account transmits; 0 = unlimited.
	MaxBitrateBps int

	// Flood control policy for outbound commands.
	FloodPolicy FloodPolicy
}
