//go:build linux

package storage

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Statfs reports a 32-bit magic number on Linux; only remote ones get a
// name.
var linuxRemoteMagic = map[uint32]string{
	unix.NFS_SUPER_MAGIC:  "nfs",
	unix.CIFS_SUPER_MAGIC: "cifs",
	unix.SMB_SUPER_MAGIC:  "smbfs",
	unix.SMB2_SUPER_MAGIC: "smb2",
	unix.CEPH_SUPER_MAGIC: "ceph",
}

func fsTypeOf(path string) (string, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return "", err
	}
	if name, ok := linuxRemoteMagic[uint32(st.Type)]; ok {
		return name, nil
	}
	return fmt.Sprintf("0x%x", uint32(st.Type)), nil
}
