package tasks

import (
	"sdmkit/internal/config"
	"sdmkit/internal/sdm"
	"sdmkit/internal/volume"
)

// Threshold converts a configured threshold.
func Threshold(t config.Threshold) sdm.Threshold {
	return sdm.Threshold{P: t.P, Peak: t.Peak, Extent: t.Extent}
}

// Preprocessing converts the configured "pp" arguments.
func Preprocessing(p config.PreprocessConfig) sdm.Preprocessing {
	return sdm.Preprocessing{
		Template:   p.Template,
		Anisotropy: p.Anisotropy,
		FWHM:       p.FWHM,
		Mask:       p.Mask,
		VoxelSize:  p.VoxelSize,
	}
}

// MetaAnalysisDefaults fills a request's thresholds, preprocessing and check
// settings from cfg.
func MetaAnalysisDefaults(cfg *config.Config, req MetaAnalysisRequest) (MetaAnalysisRequest, error) {
	conn, err := volume.ParseConnectivity(cfg.Check.Connectivity)
	if err != nil {
		return req, err
	}
	req.Preprocess = Preprocessing(cfg.Preprocess)
	req.MeanThreshold = Threshold(cfg.Thresholds.Mean)
	req.JackknifeThreshold = Threshold(cfg.Thresholds.Jackknife)
	req.MetaRegThreshold = Threshold(cfg.Thresholds.MetaReg)
	req.Connectivity = conn
	req.MaxConcurrency = cfg.Check.MaxConcurrency
	return req, nil
}
