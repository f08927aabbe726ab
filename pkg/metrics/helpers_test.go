package metrics

import (
	"fmt"

	dto "github.com/prometheus/client_model/go"
)

func findMetricFamily(mfs []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func labelValue(metric *dto.Metric, name string) string {
	for _, pair := range metric.GetLabel() {
		if pair.GetName() == name {
			return pair.GetValue()
		}
	}
	return ""
}

// series returns the first sample of name whose label matches.
func series(mfs []*dto.MetricFamily, name, label, value string) (*dto.Metric, error) {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return nil, fmt.Errorf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		if labelValue(metric, label) == value {
			return metric, nil
		}
	}
	return nil, fmt.Errorf("metric %q has no %s=%s series", name, label, value)
}

func fetchCounterValue(mfs []*dto.MetricFamily, name, label, value string) (float64, error) {
	metric, err := series(mfs, name, label, value)
	if err != nil {
		return 0, err
	}
	return metric.GetCounter().GetValue(), nil
}

func fetchHistogramSum(mfs []*dto.MetricFamily, name, label, value string) (float64, error) {
	metric, err := series(mfs, name, label, value)
	if err != nil {
		return 0, err
	}
	return metric.GetHistogram().GetSampleSum(), nil
}
