/*Package store persists measurement configurations and measurements.

Configurations are keyed by a unique name, measurements by an auto-assigned
id.  A saved measurement is never updated; its raw buffers and position
brackets carry a CRC-32 that is checked on every load, and loading always
returns a fresh copy without the derived fields, which callers recompute.
*/
package store

import (
	"encoding/binary"
	"errors"
	"math"
	"time"

	"github.com/glebarez/sqlite"
	pkgerrors "github.com/pkg/errors"
	"github.com/snksoft/crc"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nasa-jpl/flipcoil/data"
)

var (
	// ErrNotFound is generated when a record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrConflict is generated when a configuration name is already used by
	// a different configuration
	ErrConflict = errors.New("configuration name already in use")

	// ErrImmutable is generated when a saved measurement is saved again
	ErrImmutable = errors.New("measurement already saved")

	// ErrCorrupt is generated when a measurement fails its checksum
	ErrCorrupt = errors.New("measurement checksum mismatch")
)

var crcTable = crc.NewTable(crc.CRC32)

// Checksum is the CRC-32 of the raw buffers and position brackets of m
func Checksum(m *data.MeasurementData) uint32 {
	var b []byte
	put := func(v []float64) {
		b = binary.LittleEndian.AppendUint32(b, uint32(len(v)))
		for _, x := range v {
			b = binary.LittleEndian.AppendUint64(b, math.Float64bits(x))
		}
	}
	for _, cols := range [][][]float64{m.Forward, m.Backward} {
		b = binary.LittleEndian.AppendUint32(b, uint32(len(cols)))
		for _, c := range cols {
			put(c)
		}
	}
	for _, br := range []data.Bracket{m.ForwardA, m.ForwardB, m.BackwardA, m.BackwardB} {
		put(br.Before)
		put(br.After)
	}
	return uint32(crcTable.CalculateCRC(b))
}

// Summary is a measurement without its buffers
type Summary struct {
	ID        uint      `json:"id"`
	Created   time.Time `json:"created"`
	Name      string    `json:"name"`
	Comments  string    `json:"comments"`
	ConfigID  uint      `json:"configId"`
	AmbientID uint      `json:"ambientId"`
	Mean      float64   `json:"mean"`
	Std       float64   `json:"std"`
}

// Store is a measurement database
type Store struct {
	db *gorm.DB
}

// Open opens or creates the sqlite database at path
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "opening database %s", path)
	}
	if err := db.AutoMigrate(&data.MeasurementConfig{}, &data.MeasurementData{}); err != nil {
		return nil, pkgerrors.Wrap(err, "migrating database")
	}
	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	sql, err := s.db.DB()
	if err != nil {
		return err
	}
	return sql.Close()
}

func notFound(err error, what string, key interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.Wrapf(ErrNotFound, "%s %v", what, key)
	}
	return pkgerrors.Wrapf(err, "loading %s %v", what, key)
}

// SaveConfig stores a new configuration and sets its ID.  The name must not
// be in use.
func (s *Store) SaveConfig(cfg *data.MeasurementConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := s.ConfigByName(cfg.Name); err == nil {
		return pkgerrors.Wrapf(ErrConflict, "%q", cfg.Name)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	cfg.ID = 0
	if cfg.Created.IsZero() {
		cfg.Created = time.Now()
	}
	return pkgerrors.Wrapf(s.db.Create(cfg).Error, "saving configuration %q", cfg.Name)
}

func sameConfig(a, b data.MeasurementConfig) bool {
	a.ID, b.ID = 0, 0
	a.Created, b.Created = time.Time{}, time.Time{}
	return a == b
}

// EnsureConfig returns the stored configuration named cfg.Name, saving cfg
// if there is none.  A stored configuration of that name with different
// parameters is an ErrConflict.
func (s *Store) EnsureConfig(cfg data.MeasurementConfig) (data.MeasurementConfig, error) {
	stored, err := s.ConfigByName(cfg.Name)
	if errors.Is(err, ErrNotFound) {
		err = s.SaveConfig(&cfg)
		return cfg, err
	}
	if err != nil {
		return cfg, err
	}
	if !sameConfig(stored, cfg) {
		return cfg, pkgerrors.Wrapf(ErrConflict, "%q is stored with different parameters", cfg.Name)
	}
	return stored, nil
}

// Config loads a configuration by id
func (s *Store) Config(id uint) (data.MeasurementConfig, error) {
	var cfg data.MeasurementConfig
	if err := s.db.First(&cfg, id).Error; err != nil {
		return cfg, notFound(err, "configuration", id)
	}
	return cfg, nil
}

// ConfigByName loads a configuration by name
func (s *Store) ConfigByName(name string) (data.MeasurementConfig, error) {
	var cfg data.MeasurementConfig
	if err := s.db.Where("name = ?", name).First(&cfg).Error; err != nil {
		return cfg, notFound(err, "configuration", name)
	}
	return cfg, nil
}

// ConfigNames lists the stored configuration names in order of creation
func (s *Store) ConfigNames() ([]string, error) {
	var names []string
	err := s.db.Model(&data.MeasurementConfig{}).Order("id").Pluck("name", &names).Error
	return names, pkgerrors.Wrap(err, "listing configurations")
}

// SaveMeasurement stores m, setting its ID and Checksum
func (s *Store) SaveMeasurement(m *data.MeasurementData) error {
	if m.ID != 0 {
		return pkgerrors.Wrapf(ErrImmutable, "id %d", m.ID)
	}
	if m.Created.IsZero() {
		m.Created = time.Now()
	}
	m.Checksum = Checksum(m)
	return pkgerrors.Wrapf(s.db.Create(m).Error, "saving measurement %q", m.Name)
}

// Measurement loads a measurement by id and verifies its checksum
func (s *Store) Measurement(id uint) (*data.MeasurementData, error) {
	m := &data.MeasurementData{}
	if err := s.db.First(m, id).Error; err != nil {
		return nil, notFound(err, "measurement", id)
	}
	if sum := Checksum(m); sum != m.Checksum {
		return nil, pkgerrors.Wrapf(ErrCorrupt, "measurement %d: stored %08x, computed %08x", id, m.Checksum, sum)
	}
	return m, nil
}

// Measurements lists the measurements named name, or all of them if name
// is empty, newest first
func (s *Store) Measurements(name string) ([]Summary, error) {
	var out []Summary
	q := s.db.Model(&data.MeasurementData{})
	if name != "" {
		q = q.Where("name = ?", name)
	}
	err := q.Order("id desc").Find(&out).Error
	return out, pkgerrors.Wrap(err, "listing measurements")
}
