package wifi

import (
	"gopkg.in/yaml.v2"

	"wifihal-go/errcode"
	"wifihal-go/nvs"
	"wifihal-go/radio"
	"wifihal-go/types"
)

// openStorage opens the driver's namespaces and restores the last applied
// configuration and PHY calibration. A stored configuration that no longer
// decodes or validates is logged and ignored.
func (d *Driver) openStorage(part *nvs.Partition) error {
	ns, err := part.Open(nsConfig, true)
	if err != nil {
		return err
	}
	d.cfgNS = ns

	if cfg, err := d.loadConfig(); err != nil {
		d.log.Warn("stored configuration ignored", "err", err)
	} else if cfg != nil {
		d.cfg = cfg
	}

	cal, ok := d.t.(radio.Calibrator)
	if !ok {
		return nil
	}
	phy, err := part.Open(nsPhy, true)
	if err != nil {
		return err
	}
	d.phyNS = phy
	n, found, err := phy.Len(keyCal)
	if err != nil || !found {
		return err
	}
	data, err := phy.GetRaw(keyCal, make([]byte, n))
	if err != nil {
		d.log.Warn("calibration unreadable", "err", err)
		return nil
	}
	if err := cal.RestoreCalibration(data); err != nil {
		d.log.Warn("calibration rejected by radio", "err", err)
	}
	return nil
}

func (d *Driver) closeStorage() {
	if d.cfgNS != nil {
		_ = d.cfgNS.Close()
	}
	if d.phyNS != nil {
		_ = d.phyNS.Close()
	}
}

func (d *Driver) loadConfig() (types.Configuration, error) {
	raw, ok, err := d.cfgNS.GetString(keyConfig)
	if err != nil || !ok {
		return nil, err
	}
	var s types.Stored
	if err := yaml.Unmarshal([]byte(raw), &s); err != nil {
		return nil, errcode.Wrap(errcode.StorageError, "wifi.load_config", err)
	}
	cfg, err := s.Configuration()
	if err != nil || cfg == nil {
		return nil, err
	}
	cfg = types.Normalize(cfg)
	if err := types.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// persistConfig writes cfg to NVS. It is a no-op without a partition.
func (d *Driver) persistConfig(cfg types.Configuration) error {
	const op = "wifi.persist_config"
	if d.cfgNS == nil {
		return nil
	}
	b, err := yaml.Marshal(types.ToStored(cfg))
	if err != nil {
		return errcode.Wrap(errcode.StorageError, op, err)
	}
	if _, err := d.cfgNS.SetRaw(keyConfig, b); err != nil {
		if errcode.Of(err) == errcode.StorageError {
			return err
		}
		return errcode.Wrap(errcode.StorageError, op, err)
	}
	return nil
}

// saveCalibration stores fresh PHY calibration after a start. Failures are
// logged; the radio recalibrates on the next boot.
func (d *Driver) saveCalibration() {
	cal, ok := d.t.(radio.Calibrator)
	if !ok || d.phyNS == nil {
		return
	}
	data, err := cal.CalibrationData()
	if err != nil {
		d.log.Warn("read calibration", "err", err)
		return
	}
	if len(data) == 0 || len(data) > nvs.MaxValueLen {
		return
	}
	if _, err := d.phyNS.SetRaw(keyCal, data); err != nil {
		d.log.Warn("store calibration", "err", err)
	}
}
