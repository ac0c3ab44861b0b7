// Package sessiond implements a distributed session/ownership registry for
// horizontally scaled IoT protocol endpoints. Each endpoint instance opens a
// session, claims the devices (or routes) it serves under that session, and
// keeps the session alive by pinging. When another instance claims the same
// device the previous owner learns about it through the lostIds list of its
// next ping and drops the connection. Sessions that stop pinging expire and a
// background pruner reclaims everything they owned.
//
// # Running a server
//
// The server listens on the network given by `Config.ListenProto` (default
// `tcp`) and address `Config.Listen`. State lives either in process memory
// (`mem://`, single instance only) or in PostgreSQL, which lets several
// sessiond replicas share one registry.
//
//	cfg := sessiond.Config{
//	    Store:      "postgres://sessiond@db/sessiond",
//	    Listen:     ":8088",
//	    SessionTTL: 10 * time.Second,
//	}
//	srv, err := sessiond.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("sessiond: %v", err)
//	    }
//	}()
//	defer func() {
//	    if err := srv.Shutdown(context.Background()); err != nil {
//	        log.Printf("sessiond shutdown: %v", err)
//	    }
//	}()
//
// Two independent datasets are served: device connection states under
// /api/state/v1 and command routes under /api/routing/v1. They share the
// same machinery but never see each other's sessions or entries.
//
// # Unix domain sockets
//
// For same-host sidecars set `ListenProto` to "unix" and point `Listen` at a
// socket path. Stale sockets are removed on start and the path is cleaned up
// on shutdown.
//
//	cfg := sessiond.Config{
//	    Store:       "mem://",
//	    ListenProto: "unix",
//	    Listen:      "/var/run/sessiond.sock",
//	}
//	srv, stop, err := sessiond.StartServer(ctx, cfg)
//	if err != nil { log.Fatal(err) }
//	defer stop(context.Background())
//
// # Client SDK
//
// The Go client (`pkt.systems/sessiond/client`) wraps the HTTP API. One
// client handles one dataset, selected at construction time:
//
//	cli, err := client.New("http://sessiond.example.com:8088", api.KindDevices)
//	if err != nil { log.Fatal(err) }
//	init, err := cli.Init(ctx)
//	if err != nil { log.Fatal(err) }
//	outcome, err := cli.Create(ctx, init.Session, api.ID{Application: "app", Device: "dev"},
//	    api.CreateRequest{Token: token, State: payload})
//
// Most endpoints should not drive the raw client directly. The state
// controller (`pkt.systems/sessiond/state`) maintains the session for you:
// it initializes with retries, renews the lease in the background, re-creates
// claims, and delivers loss notifications to the local mux so the connection
// handler owning a displaced device can shut it down.
//
// # Events
//
// When `Config.NATSURL` is set the server publishes connection lifecycle
// events to NATS: a connected event when a device claim is created and a
// disconnected event, plus the device's last-will testament if one was
// registered, when the claim is released or pruned.
package sessiond
