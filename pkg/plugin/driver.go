package plugin

import (
	"context"
	"fmt"
	"time"

	plugin "github.com/docker/go-plugins-helpers/volume"
	"github.com/rs/zerolog"

	"github.com/cuemby/cephvol/pkg/lifecycle"
	"github.com/cuemby/cephvol/pkg/log"
	"github.com/cuemby/cephvol/pkg/types"
)

// Driver adapts the lifecycle manager to the docker volume plugin
// protocol. It is a thin request/response boundary: option parsing and
// name display live here, all semantics live in the manager.
type Driver struct {
	manager     *lifecycle.Manager
	defaultPool string
	logger      zerolog.Logger
}

// NewDriver creates the plugin driver
func NewDriver(manager *lifecycle.Manager, defaultPool string) *Driver {
	return &Driver{
		manager:     manager,
		defaultPool: defaultPool,
		logger:      log.WithComponent("plugin"),
	}
}

// Serve answers plugin requests on the named unix socket until the
// listener fails. go-plugins-helpers places the socket under
// /run/docker/plugins.
func (d *Driver) Serve(socketName string) error {
	h := plugin.NewHandler(d)
	d.logger.Info().Str("socket", socketName).Msg("serving docker volume plugin API")
	return h.ServeUnix(socketName, 0)
}

// Create handles docker volume create
func (d *Driver) Create(r *plugin.CreateRequest) error {
	d.logger.Debug().Str("name", r.Name).Msg("api: create")

	opts, err := types.ParseOptions(r.Options)
	if err != nil {
		return err
	}
	return d.manager.Create(context.Background(), r.Name, opts)
}

// Remove handles docker volume rm
func (d *Driver) Remove(r *plugin.RemoveRequest) error {
	d.logger.Debug().Str("name", r.Name).Msg("api: remove")
	return d.manager.Remove(context.Background(), r.Name)
}

// Mount attaches the volume for one container and returns the host
// mountpoint. Called once per container start.
func (d *Driver) Mount(r *plugin.MountRequest) (*plugin.MountResponse, error) {
	d.logger.Debug().Str("name", r.Name).Str("id", r.ID).Msg("api: mount")

	mountpoint, err := d.manager.Mount(context.Background(), r.Name, r.ID, types.Options{})
	if err != nil {
		return nil, err
	}
	return &plugin.MountResponse{Mountpoint: mountpoint}, nil
}

// Unmount drops one container's reference
func (d *Driver) Unmount(r *plugin.UnmountRequest) error {
	d.logger.Debug().Str("name", r.Name).Str("id", r.ID).Msg("api: unmount")
	return d.manager.Unmount(context.Background(), r.Name, r.ID)
}

// Path reports the mountpoint of a mounted volume
func (d *Driver) Path(r *plugin.PathRequest) (*plugin.PathResponse, error) {
	vol, err := d.manager.Get(context.Background(), r.Name)
	if err != nil {
		return nil, err
	}
	return &plugin.PathResponse{Mountpoint: vol.Mountpoint}, nil
}

// Get handles docker volume inspect
func (d *Driver) Get(r *plugin.GetRequest) (*plugin.GetResponse, error) {
	vol, err := d.manager.Get(context.Background(), r.Name)
	if err != nil {
		return nil, err
	}
	return &plugin.GetResponse{Volume: d.apiVolume(vol)}, nil
}

// List handles docker volume ls
func (d *Driver) List() (*plugin.ListResponse, error) {
	vols, err := d.manager.List()
	if err != nil {
		return nil, err
	}

	resp := &plugin.ListResponse{}
	for _, vol := range vols {
		resp.Volumes = append(resp.Volumes, d.apiVolume(vol))
	}
	return resp, nil
}

// Capabilities reports driver scope to docker
func (d *Driver) Capabilities() *plugin.CapabilitiesResponse {
	return &plugin.CapabilitiesResponse{
		Capabilities: plugin.Capability{
			Scope: d.manager.Capabilities(),
		},
	}
}

// apiVolume converts a registry record into the wire representation,
// collapsing the default pool out of the display name the way docker
// users wrote it.
func (d *Driver) apiVolume(vol *types.Volume) *plugin.Volume {
	name := vol.Name
	if vol.Pool != d.defaultPool {
		name = vol.Pool + "/" + vol.Name
	}

	return &plugin.Volume{
		Name:       name,
		Mountpoint: vol.Mountpoint,
		CreatedAt:  vol.CreatedAt.Format(time.RFC3339),
		Status: map[string]interface{}{
			"pool":      vol.Pool,
			"size":      fmt.Sprintf("%d", vol.Size),
			"state":     string(vol.State),
			"encrypted": vol.Encrypted,
			"refs":      vol.Refs(),
		},
	}
}
