package disk

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/fly-io/metalprov/pkg/errors"
)

// Role identifies what a partition is used for.
type Role string

const (
	RoleEphemeral Role = "ephemeral"
	RoleSwap      Role = "swap"
	RoleRoot      Role = "root"
)

// Partition type ids written to the MBR.
const (
	TypeLinux byte = 0x83
	TypeSwap  byte = 0x82
)

// Entry is one partition of a Plan.
type Entry struct {
	Role    Role
	Number  int
	SizeMiB int
	// FSType is a filesystem hint; only swap entries carry one at planning
	// time.
	FSType string
}

func (e Entry) partType() byte {
	if e.FSType == "linux-swap" {
		return TypeSwap
	}
	return TypeLinux
}

func (e Entry) String() string {
	return fmt.Sprintf("#%d %s %dMiB type=%x", e.Number, e.Role, e.SizeMiB, e.partType())
}

// Plan is the ordered partition layout for one device and the device path of
// every partition once committed.
type Plan struct {
	Device  string
	Entries []Entry
	Paths   map[Role]string
}

// NewPlan lays out ephemeral, swap and root partitions in that order. Zero
// sized ephemeral or swap partitions are omitted. Root is always last so it
// can be grown to the end of the disk later.
func NewPlan(device string, rootMiB, swapMiB, ephemeralMiB int) (*Plan, error) {
	if rootMiB <= 0 {
		return nil, errors.InvalidParameter("root partition size must be positive, got %d", rootMiB)
	}
	if swapMiB < 0 || ephemeralMiB < 0 {
		return nil, errors.InvalidParameter("partition sizes must not be negative (swap=%d, ephemeral=%d)", swapMiB, ephemeralMiB)
	}

	p := &Plan{Device: device, Paths: make(map[Role]string)}
	if ephemeralMiB > 0 {
		p.add(RoleEphemeral, ephemeralMiB, "")
	}
	if swapMiB > 0 {
		p.add(RoleSwap, swapMiB, "linux-swap")
	}
	p.add(RoleRoot, rootMiB, "")
	return p, nil
}

func (p *Plan) add(role Role, sizeMiB int, fsType string) {
	n := len(p.Entries) + 1
	p.Entries = append(p.Entries, Entry{Role: role, Number: n, SizeMiB: sizeMiB, FSType: fsType})
	p.Paths[role] = PartitionPath(p.Device, n)
}

// Path returns the device path of the partition with role.
func (p *Plan) Path(role Role) (string, bool) {
	path, ok := p.Paths[role]
	return path, ok
}

// Entry returns the entry with role.
func (p *Plan) Entry(role Role) (Entry, bool) {
	for _, e := range p.Entries {
		if e.Role == role {
			return e, true
		}
	}
	return Entry{}, false
}

// script renders the plan as sfdisk input: an msdos label header, then one
// ",<size>M,<type>" line per partition. Without the header sfdisk keeps the
// device's current label type, and GPT rejects the MBR type ids.
func (p *Plan) script() string {
	var b strings.Builder
	b.WriteString("label: dos\n")
	for _, e := range p.Entries {
		fmt.Fprintf(&b, ",%dM,%x\n", e.SizeMiB, e.partType())
	}
	return b.String()
}

// PartitionPath derives the path of partition n on device. Persistent
// /dev/disk/by-* links use the udev "-partN" suffix, kernel names ending in a
// digit (nvme0n1, loop0) use "pN".
func PartitionPath(device string, n int) string {
	switch {
	case strings.HasPrefix(device, "/dev/disk/"):
		return fmt.Sprintf("%s-part%d", device, n)
	case device != "" && unicode.IsDigit(rune(device[len(device)-1])):
		return fmt.Sprintf("%sp%d", device, n)
	default:
		return fmt.Sprintf("%s%d", device, n)
	}
}
