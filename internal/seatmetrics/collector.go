package seatmetrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const collectTimeout = 5 * time.Second

var (
	poolsDesc = prometheus.NewDesc(
		"licensepool_pools",
		"Number of license pools by application and status.",
		[]string{"application_id", "status"}, nil,
	)
	purchasedDesc = prometheus.NewDesc(
		"licensepool_seats_purchased",
		"Seats purchased across pools by application and status.",
		[]string{"application_id", "status"}, nil,
	)
	assignedDesc = prometheus.NewDesc(
		"licensepool_seats_assigned",
		"Seats currently assigned across pools by application and status.",
		[]string{"application_id", "status"}, nil,
	)
	scrapeErrorsDesc = prometheus.NewDesc(
		"licensepool_seat_scrape_errors",
		"1 when the last seat scrape failed to read the pool table.",
		nil, nil,
	)
)

type seatRow struct {
	ApplicationID     string
	Status            string
	Pools             int64
	QuantityPurchased int64
	QuantityAssigned  int64
}

// Collector reads seat totals from license_pools on every scrape.
// Tenant ids are aggregated away to keep label cardinality bounded.
type Collector struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewCollector(db *gorm.DB, log *zap.Logger) *Collector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Collector{db: db, log: log.Named("seatmetrics.collector")}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- poolsDesc
	ch <- purchasedDesc
	ch <- assignedDesc
	ch <- scrapeErrorsDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	rows, err := c.load(ctx)
	if err != nil {
		c.log.Warn("seat scrape failed", zap.Error(err))
		ch <- prometheus.MustNewConstMetric(scrapeErrorsDesc, prometheus.GaugeValue, 1)
		return
	}
	ch <- prometheus.MustNewConstMetric(scrapeErrorsDesc, prometheus.GaugeValue, 0)

	for _, row := range rows {
		ch <- prometheus.MustNewConstMetric(poolsDesc, prometheus.GaugeValue, float64(row.Pools), row.ApplicationID, row.Status)
		ch <- prometheus.MustNewConstMetric(purchasedDesc, prometheus.GaugeValue, float64(row.QuantityPurchased), row.ApplicationID, row.Status)
		ch <- prometheus.MustNewConstMetric(assignedDesc, prometheus.GaugeValue, float64(row.QuantityAssigned), row.ApplicationID, row.Status)
	}
}

func (c *Collector) load(ctx context.Context) ([]seatRow, error) {
	if c.db == nil {
		return nil, nil
	}
	var rows []seatRow
	err := c.db.WithContext(ctx).Raw(
		`SELECT application_id, status, COUNT(*) AS pools,
			COALESCE(SUM(quantity_purchased), 0) AS quantity_purchased,
			COALESCE(SUM(quantity_assigned), 0) AS quantity_assigned
		FROM license_pools
		GROUP BY application_id, status
		ORDER BY application_id ASC, status ASC`,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
