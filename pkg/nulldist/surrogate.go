package nulldist

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"fmristat/internal/models"
	"fmristat/pkg/design"
	"fmristat/pkg/permutation"
	"fmristat/pkg/whitening"
)

// prepared holds what every permutation shares
type prepared struct {
	// model is the noise model of the unpermuted data
	model *whitening.Model

	// observed is the whitened unpermuted data
	observed *models.VoxelSeries

	// innovations and ar are the whitened detrended residuals and the AR
	// coefficients they were whitened with (first level only)
	innovations *models.VoxelSeries
	ar          []float64
}

func (b *Builder) prepare(ctx context.Context, in Input) (*prepared, error) {
	done := b.metrics.Stage("whitening")
	defer done()

	p := &prepared{}
	var err error
	if b.opts.Whiten {
		b.logger.Info("Estimating AR(4) noise model", zap.Int("voxels", in.Data.Voxels))
		p.model, err = whitening.Estimate(ctx, b.backend, in.Data, in.Design)
		if err != nil {
			return nil, err
		}
		p.observed, err = p.model.Whiten(ctx, b.backend, in.Data)
		if err != nil {
			return nil, err
		}
	} else {
		p.model = whitening.Identity(in.Design, in.Data.Voxels)
		p.observed = in.Data
	}

	if b.opts.Level.SecondLevel() {
		return p, nil
	}

	b.logger.Info("Preparing time permutation surrogates", zap.Int("detrend_order", b.opts.DetrendOrder))
	if err := b.prepareInnovations(ctx, in, p); err != nil {
		return nil, err
	}
	return p, nil
}

// prepareInnovations detrends the data, estimates its AR model and keeps the
// whitened residuals. Permuting white innovations and recolouring them keeps
// the temporal autocorrelation of the surrogate data.
func (b *Builder) prepareInnovations(ctx context.Context, in Input, p *prepared) error {
	order := b.opts.DetrendOrder
	frames := in.Data.Frames
	contrast := mat.NewDense(1, order+1, nil)
	contrast.Set(0, 0, 1)
	dm, err := design.New(design.Detrending(frames, order), contrast, design.WithCensored(in.Design.Censored))
	if err != nil {
		return fmt.Errorf("nulldist: detrending design: %w", err)
	}

	residuals := models.NewVoxelSeries(in.Data.Voxels, frames)
	err = b.backend.Run(ctx, "detrend", in.Data.Voxels, func(lo, hi int) error {
		beta := make([]float64, order+1)
		for i := lo; i < hi; i++ {
			r := residuals.Row(i)
			dm.Fit(in.Data.Row(i), beta, r)
			for t := range r {
				if !dm.Valid(t) {
					r[t] = 0
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("nulldist: detrending failed: %w", err)
	}

	if b.opts.Whiten {
		p.ar, _, err = whitening.EstimateCoefficients(ctx, b.backend, residuals, dm)
		if err != nil {
			return err
		}
	} else {
		p.ar = make([]float64, in.Data.Voxels*whitening.Order)
	}

	p.innovations, err = whitening.Innovations(ctx, b.backend, residuals, p.ar)
	if err != nil {
		return err
	}
	for i := 0; i < p.innovations.Voxels; i++ {
		row := p.innovations.Row(i)
		for t := range row {
			if !dm.Valid(t) {
				row[t] = 0
			}
		}
	}
	return nil
}

// surrogate permutes the innovations in time, recolours them with the AR
// model of the detrended data, and whitens the result with a freshly
// estimated noise model.
func (b *Builder) surrogate(ctx context.Context, in Input, p *prepared, v permutation.Vector) (*models.VoxelSeries, *whitening.Model, error) {
	frames := p.innovations.Frames
	if v.Len() != frames {
		return nil, nil, fmt.Errorf("%w: vector length %d for %d frames", permutation.ErrInvalidStructure, v.Len(), frames)
	}

	data := models.NewVoxelSeries(p.innovations.Voxels, frames)
	err := b.backend.Run(ctx, "surrogate", data.Voxels, func(lo, hi int) error {
		buf := make([]float64, frames)
		for i := lo; i < hi; i++ {
			v.Apply(buf, p.innovations.Row(i))
			whitening.Recolor(data.Row(i), buf, p.ar[i*whitening.Order:(i+1)*whitening.Order])
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("nulldist: surrogate generation failed: %w", err)
	}

	if !b.opts.Whiten {
		return data, p.model, nil
	}
	model, err := whitening.Estimate(ctx, b.backend, data, in.Design)
	if err != nil {
		return nil, nil, err
	}
	whitened, err := model.Whiten(ctx, b.backend, data)
	if err != nil {
		return nil, nil, err
	}
	return whitened, model, nil
}
