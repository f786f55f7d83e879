package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/scrape"
)

// spiderEndpoint mirrors one section of spider.yaml: api_url, delay,
// timeout, max_retries, params, grounded on tools/config_loader.py's
// load_config(section, path) shape.
type spiderEndpoint struct {
	APIURL     string            `yaml:"api_url"`
	Delay      float64           `yaml:"delay"`
	Timeout    float64           `yaml:"timeout"`
	MaxRetries int               `yaml:"max_retries"`
	Params     map[string]string `yaml:"params"`
}

// spiderFile is the top-level shape of spider.yaml: one section per scrape
// target.
type spiderFile struct {
	Gongpeng        spiderEndpoint `yaml:"gongpeng"`
	AuctionSections spiderEndpoint `yaml:"auction_sections"`
	AuctionPigeons  spiderEndpoint `yaml:"auction_pigeons"`
	CurrentPigeons  spiderEndpoint `yaml:"current_pigeons"`
	PidPigeons      spiderEndpoint `yaml:"pid_pigeons"`
}

// LoadSpiderConfig reads path (spider.yaml) and builds a scrape.Config from
// its named sections. A missing file is fatal, matching spec.md §7's
// "Startup errors... fatal" propagation for unparseable startup config.
func LoadSpiderConfig(path string) (scrape.Config, error) {
	var out scrape.Config
	raw, err := os.ReadFile(path)
	if err != nil {
		return out, fmt.Errorf("config: read spider config %s: %w", path, err)
	}
	var f spiderFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return out, fmt.Errorf("config: parse spider config %s: %w", path, err)
	}

	out.AuctionList = toEndpoint(f.Gongpeng)
	out.Sections = toEndpoint(f.AuctionSections)
	out.Pigeons = toEndpoint(f.AuctionPigeons)
	out.CurrentLot = toEndpoint(f.CurrentPigeons)
	out.Ledger = toEndpoint(f.PidPigeons)
	return out, nil
}

func toEndpoint(s spiderEndpoint) scrape.Endpoint {
	return scrape.Endpoint{
		URLTemplate: s.APIURL,
		Params:      s.Params,
		Delay:       time.Duration(s.Delay * float64(time.Second)),
		Timeout:     time.Duration(s.Timeout * float64(time.Second)),
		MaxRetries:  s.MaxRetries,
	}
}

// dbConfigFile is the top-level shape of db_config.yaml.
type dbConfigFile struct {
	PostgresConfig struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Database string `yaml:"database"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"postgresconfig"`
}

// DBSettings is the Postgres connection shape loaded from db_config.yaml.
type DBSettings struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	PoolSize int
}

// DSN renders the settings as a libpq-style connection string.
func (d DBSettings) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable", d.User, d.Password, d.Host, d.Port, d.Database)
}

// LoadDBConfig reads path (db_config.yaml) into DBSettings. An absent path
// is not an error: callers fall back to Config.DatabaseURL (the file's
// settings take priority over DATABASE_URL when the file is present).
func LoadDBConfig(path string) (DBSettings, bool, error) {
	if path == "" {
		return DBSettings{}, false, nil
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DBSettings{}, false, nil
	}
	if err != nil {
		return DBSettings{}, false, fmt.Errorf("config: read db config %s: %w", path, err)
	}
	var f dbConfigFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return DBSettings{}, false, fmt.Errorf("config: parse db config %s: %w", path, err)
	}
	pc := f.PostgresConfig
	return DBSettings{
		Host:     pc.Host,
		Port:     pc.Port,
		User:     pc.User,
		Password: pc.Password,
		Database: pc.Database,
		PoolSize: pc.PoolSize,
	}, true, nil
}
