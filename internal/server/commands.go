package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/slimhive/slimhub/internal/dean"
	"github.com/slimhive/slimhub/internal/identity"
	"github.com/slimhive/slimhub/internal/packet"
	hubstore "github.com/slimhive/slimhub/internal/store"
)

// Commands binds the wire commands to the hub's managers. It implements
// Handler.
type Commands struct {
	manager *dean.Manager
	ids     *identity.Table
	store   *dean.ConfigStore
	db      *hubstore.Store
	logger  *slog.Logger
}

// NewCommands creates the command dispatcher. db may be nil when the
// node store is disabled; list then covers live nodes only.
func NewCommands(manager *dean.Manager, ids *identity.Table, store *dean.ConfigStore, db *hubstore.Store, logger *slog.Logger) *Commands {
	if logger == nil {
		logger = slog.Default()
	}
	return &Commands{
		manager: manager,
		ids:     ids,
		store:   store,
		db:      db,
		logger:  logger.With(slog.String("component", "commands")),
	}
}

// Dispatch routes one parsed request. Responses are plain strings; every
// failure path answers "ERROR: ..." and mutates nothing.
func (c *Commands) Dispatch(ctx context.Context, args []string) string {
	switch args[0] {
	case "list":
		return c.list()
	case "config":
		return c.config(ctx, args[1:])
	case "service":
		return c.service(ctx, args[1:])
	case "reset":
		return c.reset(ctx, args[1:])
	case "feature":
		return c.feature(ctx, args[1:])
	case "model":
		return c.model(ctx, args[1:])
	case "file":
		return c.file(ctx, args[1:])
	case "transfers":
		return c.transfers()
	case "apply":
		return c.apply(ctx)
	default:
		return fmt.Sprintf("ERROR: unknown command %q", args[0])
	}
}

// list renders the identity table, one node per line. Nodes the store
// remembers but the table has never seen this run are appended with
// their last-known data.
func (c *Commands) list() string {
	var b strings.Builder
	seen := make(map[string]bool)
	for _, e := range c.ids.Entries() {
		seen[e.Mac.String()] = true
		fmt.Fprintf(&b, "%s relay=%s type=%s name=%s location=%s connected=%t last_seen=%s\n",
			e.Mac, e.RelayAddress, e.DeviceType, e.Name, e.Location,
			e.Connected, e.LastSeen.Format("2006-01-02T15:04:05"))
	}

	if c.db != nil {
		recs, err := c.db.Nodes()
		if err != nil {
			c.logger.Warn("node store read failed", slog.Any("error", err))
		}
		for _, r := range recs {
			if seen[r.Mac] {
				continue
			}
			fmt.Fprintf(&b, "%s relay=%s type=%s name=%s location=%s connected=false last_seen=%s\n",
				r.Mac, r.Relay, r.DeviceType, r.Name, r.Location,
				r.LastSeen.Format("2006-01-02T15:04:05"))
		}
	}

	if b.Len() == 0 {
		return "no known nodes"
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// config persists a node's name and location and pushes them to the
// live session when one exists.
func (c *Commands) config(ctx context.Context, args []string) string {
	if len(args) != 3 {
		return "ERROR: usage: config <mac> <name> <location>"
	}
	mac, err := packet.ParseMac(args[0])
	if err != nil {
		return fmt.Sprintf("ERROR: %v", err)
	}
	name, location := args[1], args[2]

	prev, _, err := c.store.Load(mac.String())
	if err != nil {
		return fmt.Sprintf("ERROR: %v", err)
	}
	cfg := dean.NodeConfig{
		Address: mac.String(), Type: prev.Type, Name: name, Location: location,
	}
	if err := c.store.Save(cfg); err != nil {
		return fmt.Sprintf("ERROR: %v", err)
	}
	// Best effort: the entry may not exist before first contact.
	_ = c.ids.Configure(mac, name, location)

	s, err := c.manager.SessionForMac(mac)
	if err != nil {
		return fmt.Sprintf("OK config saved for %s (node offline, applies on next connect)", mac)
	}
	if err := s.WriteConfigField(ctx, "name", name); err != nil {
		return fmt.Sprintf("ERROR: push name: %v", err)
	}
	if err := s.WriteConfigField(ctx, "location", location); err != nil {
		return fmt.Sprintf("ERROR: push location: %v", err)
	}
	return fmt.Sprintf("OK config saved and pushed to %s", mac)
}

// service switches one service's mode on a live node, or turns it off.
// enable/activate are accepted as aliases for the default work mode,
// disable/deactivate/off turn the service off.
func (c *Commands) service(ctx context.Context, args []string) string {
	if len(args) != 3 {
		return "ERROR: usage: service <mac> <service> <work|raw|both|enable|disable>"
	}
	s, mac, errMsg := c.liveSession(args[0])
	if errMsg != "" {
		return errMsg
	}
	svc, mode := args[1], args[2]

	switch mode {
	case "off", "disable", "deactivate":
		if err := s.DisableService(svc, ""); err != nil {
			return fmt.Sprintf("ERROR: %v", err)
		}
		return fmt.Sprintf("OK %s disabled on %s", svc, mac)
	case "enable", "activate":
		mode = "work"
	}

	chars := dean.SubscribeChars(svc, mode)
	if chars == nil {
		return fmt.Sprintf("ERROR: unknown service/mode %s/%s", svc, mode)
	}
	for _, char := range chars {
		if err := s.EnableService(ctx, svc, char); err != nil {
			return fmt.Sprintf("ERROR: %v", err)
		}
	}
	return fmt.Sprintf("OK %s set to %s on %s", svc, mode, mac)
}

// reset reboots one node.
func (c *Commands) reset(ctx context.Context, args []string) string {
	if len(args) != 1 {
		return "ERROR: usage: reset <mac>"
	}
	s, mac, errMsg := c.liveSession(args[0])
	if errMsg != "" {
		return errMsg
	}
	if err := s.SendReset(ctx, mac); err != nil {
		return fmt.Sprintf("ERROR: %v", err)
	}
	return fmt.Sprintf("OK reset sent to %s", mac)
}

// feature starts or stops on-device sound feature streaming.
func (c *Commands) feature(ctx context.Context, args []string) string {
	if len(args) != 2 || (args[1] != "start" && args[1] != "stop") {
		return "ERROR: usage: feature <mac> <start|stop>"
	}
	s, mac, errMsg := c.liveSession(args[0])
	if errMsg != "" {
		return errMsg
	}
	if err := s.SendFeatureControl(ctx, mac, args[1] == "start"); err != nil {
		return fmt.Sprintf("ERROR: %v", err)
	}
	return fmt.Sprintf("OK feature %s sent to %s", args[1], mac)
}

// model pushes a model artifact to a node, removes the installed one,
// or records a training request. The training pipeline itself runs
// elsewhere; train only acknowledges the request.
func (c *Commands) model(ctx context.Context, args []string) string {
	if len(args) < 2 {
		return "ERROR: usage: model <mac> <path|update <path>|train|remove>"
	}
	s, mac, errMsg := c.liveSession(args[0])
	if errMsg != "" {
		return errMsg
	}

	path := args[1]
	switch {
	case path == "remove" && len(args) == 2:
		if err := s.RemoveModel(ctx, mac); err != nil {
			return fmt.Sprintf("ERROR: %v", err)
		}
		return fmt.Sprintf("OK model remove sent to %s", mac)
	case path == "train" && len(args) == 2:
		c.logger.Info("training requested", slog.String("mac", mac.String()))
		return fmt.Sprintf("OK training request recorded for %s", mac)
	case path == "update" && len(args) == 3:
		path = args[2]
	case len(args) != 2:
		return "ERROR: usage: model <mac> <path|update <path>|train|remove>"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Sprintf("ERROR: %v", err)
	}
	if err := s.StartModelTransfer(ctx, mac, data); err != nil {
		return fmt.Sprintf("ERROR: %v", err)
	}
	return fmt.Sprintf("OK model transfer started to %s (%d bytes)", mac, len(data))
}

// file pushes an arbitrary file to a target path on a node.
func (c *Commands) file(ctx context.Context, args []string) string {
	if len(args) != 3 {
		return "ERROR: usage: file <mac> <local_path> <target_path>"
	}
	s, mac, errMsg := c.liveSession(args[0])
	if errMsg != "" {
		return errMsg
	}
	data, err := os.ReadFile(args[1])
	if err != nil {
		return fmt.Sprintf("ERROR: %v", err)
	}
	if err := s.StartFileTransfer(ctx, mac, data, args[2]); err != nil {
		return fmt.Sprintf("ERROR: %v", err)
	}
	return fmt.Sprintf("OK file transfer started to %s:%s (%d bytes)", mac, args[2], len(data))
}

// transfers renders every in-flight or settled transfer engine.
func (c *Commands) transfers() string {
	var b strings.Builder
	for _, s := range c.manager.Sessions() {
		for _, snap := range s.Transfers() {
			fmt.Fprintf(&b, "%s %s state=%s seq=%d/%d\n",
				snap.Dest, snap.Stream, snap.State, snap.NextSeq, snap.TotalChunks)
		}
	}
	if b.Len() == 0 {
		return "no transfers"
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// apply re-pushes every stored config to the nodes currently online.
func (c *Commands) apply(ctx context.Context) string {
	n, err := c.manager.ApplyConfigs(ctx)
	if err != nil {
		return fmt.Sprintf("ERROR: %v", err)
	}
	return fmt.Sprintf("OK applied %d configs", n)
}

// liveSession resolves a MAC argument to its live session. The returned
// string is non-empty on failure and already formatted for the client.
func (c *Commands) liveSession(arg string) (*dean.Session, packet.Mac, string) {
	mac, err := packet.ParseMac(arg)
	if err != nil {
		return nil, packet.Mac{}, fmt.Sprintf("ERROR: %v", err)
	}
	s, err := c.manager.SessionForMac(mac)
	if err != nil {
		return nil, packet.Mac{}, fmt.Sprintf("ERROR: %v", err)
	}
	return s, mac, ""
}
