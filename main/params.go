// (c) 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ava-labs/kernelvm/kernel"
	"github.com/ava-labs/kernelvm/kernelvm"
)

const (
	versionKey      = "version"
	dbTypeKey       = "db-type"
	dbDirKey        = "db-dir"
	httpHostKey     = "http-host"
	httpPortKey     = "http-port"
	logLevelKey     = "log-level"
	genesisFileKey  = "genesis-file"
	maxCallDepthKey = "max-call-depth"
	costLimitKey    = "cost-limit"
	mempoolSizeKey  = "mempool-size"
	traceKey        = "trace"

	envPrefix = "KERNELVM"

	memdbType   = "memdb"
	leveldbType = "leveldb"
)

func buildFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("kernelvm", flag.ContinueOnError)

	fs.Bool(versionKey, false, "If true, prints version and quit")
	fs.String(dbTypeKey, memdbType, fmt.Sprintf("Database backend, %q or %q", memdbType, leveldbType))
	fs.String(dbDirKey, "kernelvm-db", "Directory of the leveldb database")
	fs.String(httpHostKey, "127.0.0.1", "Address of the HTTP server")
	fs.Uint(httpPortKey, 9650, "Port of the HTTP server")
	fs.String(logLevelKey, "info", "Log level")
	fs.String(genesisFileKey, "", "Path to the genesis JSON. Empty uses an empty genesis")
	fs.Uint(maxCallDepthKey, 0, "Deepest call frame a transaction may push. 0 uses the default")
	fs.Uint64(costLimitKey, 0, "Cost units a transaction may consume. 0 uses the default")
	fs.Int(mempoolSizeKey, 0, "Number of pending transactions. 0 uses the default")
	fs.Bool(traceKey, false, "If true, logs every kernel call of every transaction")

	return fs
}

// getViper returns the viper environment for the node binary
func getViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	fs := buildFlagSet()
	pflag.CommandLine.AddGoFlagSet(fs)
	pflag.Parse()
	if err := v.BindPFlags(pflag.CommandLine); err != nil {
		return nil, err
	}

	return v, nil
}

type params struct {
	version     bool
	dbType      string
	dbDir       string
	httpHost    string
	httpPort    uint
	logLevel    string
	genesisData []byte
	configData  []byte
}

func getParams() (*params, error) {
	v, err := getViper()
	if err != nil {
		return nil, err
	}

	p := &params{
		version:  v.GetBool(versionKey),
		dbType:   v.GetString(dbTypeKey),
		dbDir:    v.GetString(dbDirKey),
		httpHost: v.GetString(httpHostKey),
		httpPort: v.GetUint(httpPortKey),
		logLevel: v.GetString(logLevelKey),
	}
	switch p.dbType {
	case memdbType, leveldbType:
	default:
		return nil, fmt.Errorf("unknown %s %q", dbTypeKey, p.dbType)
	}

	if path := v.GetString(genesisFileKey); path != "" {
		if p.genesisData, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("couldn't read genesis: %w", err)
		}
	}

	p.configData, err = vmConfig(v)
	return p, err
}

// vmConfig encodes the flags the VM reads from its config bytes.
func vmConfig(v *viper.Viper) ([]byte, error) {
	config := kernelvm.Config{
		Kernel: kernel.Config{
			MaxCallDepth: int(v.GetUint(maxCallDepthKey)),
			CostLimit:    v.GetUint64(costLimitKey),
		},
		MempoolSize: v.GetInt(mempoolSizeKey),
		Trace:       v.GetBool(traceKey),
	}
	return json.Marshal(config)
}
