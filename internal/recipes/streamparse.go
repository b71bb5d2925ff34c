package recipes

import (
	"github.com/danmuck/convergectl/internal/config"
	"github.com/danmuck/convergectl/internal/discovery"
	"github.com/danmuck/convergectl/internal/resource"
)

// Streamparse prepares log and virtualenv paths the storm user can write to
// and maps the box name in the hosts file.
func Streamparse(h config.Host, _ discovery.Facts) ([]resource.Resource, error) {
	sp := h.Streamparse
	return []resource.Resource{
		resource.New(sp.LogPath, resource.DirectorySpec{Path: sp.LogPath, Mode: 0o755, Owner: sp.User, Group: "root", Recursive: true}),
		resource.New(sp.VirtualenvPath, resource.DirectorySpec{Path: sp.VirtualenvPath, Mode: 0o775, Owner: sp.VirtualenvOwner, Group: "root", Recursive: true}),
		resource.New(sp.BoxName, resource.HostsEntrySpec{Path: sp.HostsFile, IP: sp.Address, Hostname: sp.BoxName}),
	}, nil
}
