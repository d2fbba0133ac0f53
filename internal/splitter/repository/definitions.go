package repository

import (
	"context"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/G-Research/splitter/internal/common/splittererrors"
	"github.com/G-Research/splitter/internal/splitter/model"
	"github.com/G-Research/splitter/internal/splitter/targeting"
)

// Experiments without an explicit id get a name-based UUID in this namespace, so applying the same
// file twice updates rather than duplicates them.
var definitionNamespace = uuid.MustParse("6f1d8d1e-52a4-4c0e-9a57-4b3f3c1f6a10")

// Definitions is the layout of an experiment definition file:
//
//	experiments:
//	  - name: checkout-button-color
//	    status: Running
//	    targeting: {key: country, op: in, value: [GB, IE]}
//	    variants:
//	      - {id: control, name: Blue, weight: 50}
//	      - {id: green, name: Green, weight: 50}
//	    metrics:
//	      - {name: click}
type Definitions struct {
	Experiments []ExperimentDefinition `yaml:"experiments"`
}

type ExperimentDefinition struct {
	Id        string              `yaml:"id"`
	Name      string              `yaml:"name"`
	Status    string              `yaml:"status"`
	Targeting *targeting.Spec     `yaml:"targeting"`
	Variants  []VariantDefinition `yaml:"variants"`
	Metrics   []MetricDefinition  `yaml:"metrics"`
}

type VariantDefinition struct {
	Id     string  `yaml:"id"`
	Name   string  `yaml:"name"`
	Weight float64 `yaml:"weight"`
}

type MetricDefinition struct {
	Id   string `yaml:"id"`
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// LoadDefinitionsFile reads and validates every experiment in the YAML file at path.
func LoadDefinitionsFile(path string) ([]*model.Experiment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()
	return LoadDefinitions(f)
}

// LoadDefinitions reads and validates every experiment in a YAML document.
// All invalid experiments are reported together.
func LoadDefinitions(r io.Reader) ([]*model.Experiment, error) {
	var definitions Definitions
	decoder := yaml.NewDecoder(r)
	decoder.SetStrict(true)
	if err := decoder.Decode(&definitions); err != nil {
		return nil, errors.Wrap(err, "error parsing experiment definitions")
	}

	var result *multierror.Error
	experiments := make([]*model.Experiment, 0, len(definitions.Experiments))
	for _, d := range definitions.Experiments {
		e, err := d.toExperiment()
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		experiments = append(experiments, e)
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return experiments, nil
}

func (d ExperimentDefinition) toExperiment() (*model.Experiment, error) {
	e := &model.Experiment{
		Id:     d.Id,
		Name:   d.Name,
		Status: model.Status(d.Status),
	}
	if e.Id == "" {
		e.Id = uuid.NewSHA1(definitionNamespace, []byte(d.Name)).String()
	}
	if e.Status == "" {
		e.Status = model.StatusDraft
	}
	condition, err := d.Targeting.Build()
	if err != nil {
		return nil, errors.WithStack(&splittererrors.ErrInvalidExperiment{Name: d.Name, Cause: err})
	}
	e.Targeting = condition

	for _, v := range d.Variants {
		name := v.Name
		if name == "" {
			name = v.Id
		}
		e.Variants = append(e.Variants, model.Variant{Id: v.Id, Name: name, Weight: v.Weight})
	}
	for _, m := range d.Metrics {
		metric := model.Metric{Id: m.Id, Name: m.Name, Type: model.MetricType(m.Type)}
		if metric.Id == "" {
			metric.Id = m.Name
		}
		if metric.Type == "" {
			metric.Type = model.MetricTypeNumeric
		}
		e.Metrics = append(e.Metrics, metric)
	}

	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// ApplyDefinitions writes experiments to store, stopping at the first failure.
func ApplyDefinitions(ctx context.Context, store ExperimentRepository, experiments []*model.Experiment) error {
	for _, e := range experiments {
		if err := store.PutExperiment(ctx, e); err != nil {
			return errors.WithMessagef(err, "error storing experiment %q", e.Name)
		}
		log.WithField("experiment", e.Name).WithField("id", e.Id).Infof("Stored experiment with status %s", e.Status)
	}
	return nil
}
