package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/store"
	"github.com/mqy/minichat/ws"
)

const (
	storeBolt  = "bolt"
	storeMysql = "mysql"

	shutdownTimeout = 10 * time.Second
)

var (
	flagAddr         = flag.String("addr", "127.0.0.1:8000", "server address, ip:port")
	flagPidFile      = flag.String("pid-file", "minichat.pid", "pid file")
	flagUsersFile    = flag.String("users-file", "users.yaml", "yaml file of users and their tokens")
	flagStore        = flag.String("store", storeBolt, "message store: bolt or mysql")
	flagBoltPath     = flag.String("bolt-path", "minichat.db", "bolt: database file")
	flagMysqlDsn     = flag.String("mysql-dsn", "root:@tcp(127.0.0.1:3306)/minichat?parseTime=true&charset=utf8mb4&collation=utf8mb4_unicode_ci", "mysql: server dsn")
	flagMysqlInit    = flag.Bool("mysql-init", false, "mysql: create the table if not exists")
	flagSessionQuota = flag.Uint("session-quota", ws.DefaultSessionQuota, "per user session quota, allowed value in [1, 10]")
	flagMaxMsgBytes  = flag.Uint("max-msg-bytes", ws.DefaultMaxMsgBytes, "max bytes of a message content")
	flagRateLimit    = flag.Float64("rate-limit", ws.DefaultRateLimit, "messages per second allowed per session")
	flagRateBurst    = flag.Uint("rate-burst", ws.DefaultRateBurst, "message burst allowed per session")

	flagPprofDir       = flag.String("pprof-dir", "pprof", "dir to save pprof data files")
	flagDisableMetrics = flag.Bool("disable-metrics", false, "disable prometheus metrics")
)

func main() {
	flag.Parse()

	// NOTE: os.Exit() does not call defers.
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	if v := validateFlags(); v > 0 {
		return v
	}

	pid := os.Getpid()

	if err := savePid(*flagPidFile, pid); err != nil {
		return errorf("pid file: %v", err)
	}
	defer func() {
		_ = os.Remove(*flagPidFile)
	}()

	pprofDir := filepath.Join(*flagPprofDir, strconv.Itoa(pid))
	if err := os.MkdirAll(pprofDir, 0750); err != nil {
		return errorf("--pprof-dir: error create dir `%s`: %v", pprofDir, err)
	}

	users, err := auth.LoadUsers(*flagUsersFile)
	if err != nil {
		return errorf("--users-file: %v", err)
	}
	authClient, err := auth.NewStaticClient(users)
	if err != nil {
		return errorf("--users-file: %v", err)
	}

	msgStore, err := openStore()
	if err != nil {
		return errorf("--store %s: %v", *flagStore, err)
	}
	defer func() {
		if err := msgStore.Close(); err != nil {
			glog.Errorf("close store error: %v", err)
		}
	}()

	var registerer prometheus.Registerer
	if !*flagDisableMetrics {
		registerer = prometheus.DefaultRegisterer
	}

	hub := ws.NewHub(&ws.HubCfg{
		Auth:  authClient,
		Store: msgStore,
		Conf: ws.HubConf{
			SessionQuota: int(*flagSessionQuota),
			MaxMsgBytes:  int(*flagMaxMsgBytes),
			RateLimit:    *flagRateLimit,
			RateBurst:    int(*flagRateBurst),
		},
		Registerer: registerer,
	})

	r := mux.NewRouter()
	r.Handle("/ws", hub)
	hub.RegisterApi(r)
	if !*flagDisableMetrics {
		r.Handle("/metrics", promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{},
		))
	}

	srv := &http.Server{Addr: *flagAddr, Handler: r}
	serveErrCh := make(chan error, 1)
	go func() {
		glog.Infof("listen and serve on %s", *flagAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrCh <- err
		}
		close(serveErrCh)
	}()

	glog.Infof("minichat server is started, %d users, store: %s", len(users), *flagStore)
	glog.Infof("`kill -USR1 %d` to dump goroutines; `kill -USR2 %d` to start/stop profiler; `CTRL+c` or `kill %d` to graceful stop", pid, pid, pid)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	var prof *Profiler
	defer func() {
		if prof != nil {
			prof.Stop()
		}
	}()

	for {
		select {
		case err, ok := <-serveErrCh:
			if ok {
				hub.Close()
				return errorf("listen and serve error: %v", err)
			}
			return 0
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGUSR1:
				dumpGoroutines(pprofDir)
			case syscall.SIGUSR2:
				if prof == nil {
					prof = StartProfiler(pprofDir)
				} else {
					prof.Stop()
					prof = nil
				}
			case syscall.SIGTERM, syscall.SIGINT:
				glog.Infof("received signal `%s` stopping", sig.String())
				shutdown(srv, hub)
				glog.Info("minichat server exited")
				return 0
			}
		}
	}
}

// shutdown stops accepting requests first, then closes the websocket sessions,
// which http.Server.Shutdown does not track once hijacked.
func shutdown(srv *http.Server, hub *ws.Hub) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		glog.Errorf("http server shutdown error: %v", err)
	}
	hub.Close()
}

func openStore() (store.IMessageStore, error) {
	switch *flagStore {
	case storeBolt:
		return store.NewBoltStore(*flagBoltPath)
	case storeMysql:
		db, err := sql.Open("mysql", *flagMysqlDsn)
		if err != nil {
			return nil, fmt.Errorf("sql.Open error, dsn: %s, err: %v", *flagMysqlDsn, err)
		}
		db.SetConnMaxLifetime(time.Minute * 3)
		db.SetMaxOpenConns(100)
		db.SetMaxIdleConns(1)

		s := store.NewMysqlStore(db)
		if *flagMysqlInit {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.Init(ctx); err != nil {
				_ = db.Close()
				return nil, err
			}
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store")
}

func validateFlags() int {
	if *flagAddr == "" {
		return errorf("--addr is required")
	}
	if err := validateAddr(*flagAddr); err != nil {
		return errorf("--addr: %v", err)
	}
	if *flagPidFile == "" {
		return errorf("--pid-file is required")
	}
	if *flagPprofDir == "" {
		return errorf("--pprof-dir is required")
	}
	if *flagUsersFile == "" {
		return errorf("--users-file is required")
	}

	switch *flagStore {
	case storeBolt:
		if *flagBoltPath == "" {
			return errorf("--bolt-path is required")
		}
	case storeMysql:
		if *flagMysqlDsn == "" {
			return errorf("--mysql-dsn is required")
		}
	default:
		return errorf("--store: expect `%s` or `%s`", storeBolt, storeMysql)
	}

	if *flagSessionQuota == 0 {
		return errorf("--session-quota is required positive integer")
	} else if *flagSessionQuota > ws.MaxSessionQuota {
		return errorf("--session-quota MUST in range [1, %d]", ws.MaxSessionQuota)
	}
	if *flagMaxMsgBytes == 0 {
		return errorf("--max-msg-bytes is required positive integer")
	}
	if *flagRateLimit <= 0 {
		return errorf("--rate-limit is required positive number")
	}
	if *flagRateBurst == 0 {
		return errorf("--rate-burst is required positive integer")
	}

	return 0
}

func validateAddr(s string) error {
	ips, _, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("error split host port from `%s`: %v", s, err)
	}
	ip := net.ParseIP(ips)
	if ip == nil {
		return fmt.Errorf("error parse IP from host `%s`", ips)
	}
	if !ip.IsLoopback() && !ip.IsPrivate() {
		return fmt.Errorf("`%s` is not loopback or private address", ips)
	}
	return nil
}

func errorf(fmt string, args ...interface{}) int {
	glog.Errorf(fmt, args...)
	return 1
}

func savePid(name string, pid int) error {
	if _, err := os.Stat(name); err == nil {
		// Ok, see, if we have a stale lockfile here
		content, err := ioutil.ReadFile(name)
		if err != nil {
			return err
		}
		if len(content) > 0 {
			oldPid, err := strconv.Atoi(string(content))
			if err != nil {
				return err
			}

			proc, err := os.FindProcess(oldPid)
			if err != nil {
				return err
			}
			defer proc.Release()

			if err := proc.Signal(syscall.Signal(0)); err == nil {
				return fmt.Errorf("exists with pid: %d, the process is running", oldPid)
			}
			glog.Infof("pid file exists with pid: %d, but is not running", oldPid)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat error: %v", err)
	}

	if err := ioutil.WriteFile(name, []byte(strconv.Itoa(pid)), 0600); err != nil {
		return fmt.Errorf("write error: %v", err)
	}
	glog.Infof("pid file: write pid done")
	return nil
}
