package rpc

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/startd/pkg/errdefs"
	"github.com/cuemby/startd/pkg/patchdb"
	"github.com/cuemby/startd/pkg/s9pk"
	"github.com/cuemby/startd/pkg/setup"
	"github.com/cuemby/startd/pkg/types"
)

// Build information, set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func (s *Server) dispatch(ctx context.Context, req *rpcRequest, r *http.Request) (interface{}, error) {
	if err := s.ctx.guard(); err != nil {
		return nil, err
	}

	switch req.Method {
	case "echo":
		var p struct {
			Message string `json:"message"`
		}
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return p.Message, nil

	case "git-info":
		return map[string]string{"version": Version, "commit": Commit, "built": BuildTime}, nil

	case "setup.status":
		// reachable before login so the UI can route to the setup flow
		guid := setup.ReadDiskGuid(s.ctx.Cfg.DiskGuidFile)
		return map[string]interface{}{
			"initialized": guid != "",
			"status":      string(s.ctx.DB.Peek().Doc.Public.ServerInfo.Status),
		}, nil

	case "setup.get-pubkey":
		return map[string]string{"root-ca": s.ctx.Net.CA.RootPEM()}, nil

	case "auth.login":
		var p struct {
			Password string `json:"password"`
		}
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		userAgent := ""
		if r != nil {
			userAgent = r.UserAgent()
		}
		token, err := s.login(p.Password, userAgent)
		if err != nil {
			return nil, err
		}
		return map[string]string{"session": token}, nil

	case "auth.logout":
		token := ""
		if r != nil {
			token = sessionToken(r)
		}
		return nil, s.logout(token)

	case "auth.session.list":
		snap := s.ctx.DB.Peek()
		out := make([]map[string]interface{}, 0, len(snap.Doc.Private.Sessions))
		for token, session := range snap.Doc.Private.Sessions {
			out = append(out, map[string]interface{}{
				"id":         token[:8],
				"created-at": session.CreatedAt,
				"last-seen":  session.LastSeen,
				"user-agent": session.UserAgent,
			})
		}
		return out, nil

	case "server.time":
		return time.Now().UTC().Format(time.RFC3339), nil

	case "server.info":
		return s.ctx.DB.Peek().Doc.Public.ServerInfo, nil

	case "server.shutdown":
		s.ctx.RequestShutdown()
		return nil, nil

	case "db.dump":
		// operators see the public half only; secrets never cross the RPC
		return s.ctx.DB.Peek().Doc.Public, nil

	case "db.revision":
		return s.ctx.DB.Peek().Revision, nil

	case "db.apply":
		if len(req.Params) == 0 {
			return nil, errdefs.New(errdefs.KindInvalidRequest, "patch required")
		}
		return nil, s.ctx.DB.Apply(req.Params)

	default:
		return s.dispatchPackage(ctx, req)
	}
}

func (s *Server) dispatchPackage(ctx context.Context, req *rpcRequest) (interface{}, error) {
	switch req.Method {
	case "package.list":
		snap := s.ctx.DB.Peek()
		out := make(map[types.PackageId]*patchdb.PackageEntry, len(snap.Doc.Public.PackageData))
		for id, entry := range snap.Doc.Public.PackageData {
			out[id] = entry
		}
		return out, nil

	case "package.install":
		var p struct {
			Path string `json:"path"`
		}
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		svc, err := s.ctx.Sup.Install(ctx, p.Path)
		if err != nil {
			return nil, err
		}
		// expose the effect bus inside the new container
		if c := s.ctx.Containers.Get(svc.Package()); c != nil {
			if err := s.ctx.Bus.Serve(ctx, c); err != nil {
				s.logger.Warn().Err(err).Str("package_id", svc.Package().String()).Msg("Failed to serve effect bus")
			}
		}
		return svc.Package(), nil

	case "package.update":
		var p struct {
			Path string `json:"path"`
		}
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, s.ctx.Sup.Update(ctx, p.Path)

	case "package.uninstall":
		id, err := paramPackageId(req.Params)
		if err != nil {
			return nil, err
		}
		s.ctx.Bus.Stop(id)
		return nil, s.ctx.Sup.Remove(ctx, id)

	case "package.start":
		id, err := paramPackageId(req.Params)
		if err != nil {
			return nil, err
		}
		svc, err := s.ctx.Sup.Get(id)
		if err != nil {
			return nil, err
		}
		if err := svc.Start(ctx); err != nil {
			return nil, err
		}
		if c := s.ctx.Containers.Get(id); c != nil {
			if err := s.ctx.Bus.Serve(ctx, c); err != nil {
				s.logger.Warn().Err(err).Str("package_id", id.String()).Msg("Failed to serve effect bus")
			}
		}
		return nil, nil

	case "package.stop":
		id, err := paramPackageId(req.Params)
		if err != nil {
			return nil, err
		}
		svc, err := s.ctx.Sup.Get(id)
		if err != nil {
			return nil, err
		}
		return nil, svc.Stop(ctx)

	case "package.restart":
		id, err := paramPackageId(req.Params)
		if err != nil {
			return nil, err
		}
		svc, err := s.ctx.Sup.Get(id)
		if err != nil {
			return nil, err
		}
		return nil, svc.Restart(ctx)

	case "package.backup":
		id, err := paramPackageId(req.Params)
		if err != nil {
			return nil, err
		}
		svc, err := s.ctx.Sup.Get(id)
		if err != nil {
			return nil, err
		}
		return svc.Backup(ctx)

	case "package.restore":
		id, err := paramPackageId(req.Params)
		if err != nil {
			return nil, err
		}
		svc, err := s.ctx.Sup.Get(id)
		if err != nil {
			return nil, err
		}
		return svc.RestoreVolumes(ctx)

	default:
		return s.dispatchMisc(ctx, req)
	}
}

func (s *Server) dispatchMisc(ctx context.Context, req *rpcRequest) (interface{}, error) {
	switch req.Method {
	case "net.hostnames":
		var p struct {
			PackageId types.PackageId `json:"package-id"`
			HostId    types.HostId    `json:"host-id"`
		}
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return s.ctx.Net.Hostnames(p.PackageId, p.HostId), nil

	case "ssh.list":
		return s.ctx.DB.Peek().Doc.Private.SshPubkeys, nil

	case "ssh.add":
		var p struct {
			Key string `json:"key"`
		}
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, s.ctx.DB.Mutate(func(db *patchdb.Database) error {
			for _, existing := range db.Private.SshPubkeys {
				if existing == p.Key {
					return nil
				}
			}
			db.Private.SshPubkeys = append(db.Private.SshPubkeys, p.Key)
			return nil
		})

	case "ssh.remove":
		var p struct {
			Key string `json:"key"`
		}
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, s.ctx.DB.Mutate(func(db *patchdb.Database) error {
			keys := db.Private.SshPubkeys[:0]
			for _, existing := range db.Private.SshPubkeys {
				if existing != p.Key {
					keys = append(keys, existing)
				}
			}
			db.Private.SshPubkeys = keys
			return nil
		})

	case "notification.count":
		return s.ctx.DB.Peek().Doc.Public.ServerInfo.UnreadNotificationCount, nil

	case "notification.mark-seen":
		return nil, s.ctx.DB.Mutate(func(db *patchdb.Database) error {
			db.Public.ServerInfo.UnreadNotificationCount = 0
			return nil
		})

	case "wifi.get":
		// the Wi-Fi supervisor is an external collaborator; without one
		// there are no managed networks
		return map[string]interface{}{"ssids": []string{}, "connected": nil}, nil

	case "disk.list":
		// disk management is an external collaborator; report the data
		// volume only
		return []map[string]string{{"mountpoint": s.ctx.Cfg.DataDir}}, nil

	case "registry.fetch":
		var p struct {
			Url string `json:"url"`
		}
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return s.fetchRegistry(ctx, p.Url)

	case "lxc.list":
		out := make([]map[string]string, 0)
		for _, id := range s.ctx.Sup.List() {
			if c := s.ctx.Containers.Get(id); c != nil {
				out = append(out, map[string]string{
					"package-id":   id.String(),
					"container-id": c.Id,
					"ip":           c.IP.String(),
				})
			}
		}
		return out, nil

	case "s9pk.inspect":
		var p struct {
			Path string `json:"path"`
		}
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		pkg, f, err := s9pk.OpenFile(p.Path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		manifest, err := pkg.Manifest()
		if err != nil {
			return nil, err
		}
		return manifest, nil

	case "backup.create":
		var p struct {
			PackageIds []types.PackageId `json:"package-ids"`
		}
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		results := make(map[types.PackageId]interface{}, len(p.PackageIds))
		for _, id := range p.PackageIds {
			svc, err := s.ctx.Sup.Get(id)
			if err != nil {
				results[id] = map[string]string{"error": err.Error()}
				continue
			}
			manifest, err := svc.Backup(ctx)
			if err != nil {
				results[id] = map[string]string{"error": err.Error()}
				continue
			}
			results[id] = manifest
		}
		return results, nil

	default:
		return nil, errdefs.Newf(errdefs.KindNotFound, "unknown method %q", req.Method)
	}
}

// fetchRegistry proxies a registry metadata request through the
// onion-aware client.
func (s *Server) fetchRegistry(ctx context.Context, url string) (interface{}, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindParseUrl, err)
	}
	resp, err := s.ctx.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindNetwork, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindNetwork, err)
	}
	var out interface{}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errdefs.Wrap(errdefs.KindDeserialization, err)
	}
	return out, nil
}

func decodeParams(params json.RawMessage, into interface{}) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, into); err != nil {
		return errdefs.Wrap(errdefs.KindDeserialization, err)
	}
	return nil
}

func paramPackageId(params json.RawMessage) (types.PackageId, error) {
	var p struct {
		Id types.PackageId `json:"id"`
	}
	if err := decodeParams(params, &p); err != nil {
		return "", err
	}
	if err := p.Id.Validate(); err != nil {
		return "", err
	}
	return p.Id, nil
}
