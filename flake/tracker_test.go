// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package flake

import (
	"context"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/clock/testclock"
	"go.chromium.org/luci/gae/impl/memory"
	"go.chromium.org/luci/gae/service/datastore"

	"flaketriage/internal/config"
	"flaketriage/model"
)

func occurrenceAt(t time.Time) *model.FlakeOccurrence {
	return &model.FlakeOccurrence{Time: t}
}

func TestFlakinessPeriod(t *testing.T) {
	t.Parallel()
	base := time.Date(2022, time.June, 1, 0, 0, 0, 0, time.UTC)
	gap := 3 * 24 * time.Hour

	Convey("Empty occurrences", t, func() {
		So(FlakinessPeriod(nil, gap), ShouldBeNil)
	})

	Convey("All occurrences within the gap form one period", t, func() {
		occurrences := []*model.FlakeOccurrence{
			occurrenceAt(base),
			occurrenceAt(base.Add(24 * time.Hour)),
			occurrenceAt(base.Add(48 * time.Hour)),
		}
		So(FlakinessPeriod(occurrences, gap), ShouldResemble, occurrences)
	})

	Convey("A larger gap starts a new period", t, func() {
		occurrences := []*model.FlakeOccurrence{
			occurrenceAt(base),
			occurrenceAt(base.Add(24 * time.Hour)),
			// 10 days of silence.
			occurrenceAt(base.Add(11 * 24 * time.Hour)),
			occurrenceAt(base.Add(12 * 24 * time.Hour)),
		}
		So(FlakinessPeriod(occurrences, gap), ShouldResemble, occurrences[2:])
	})

	Convey("Only the newest period counts", t, func() {
		occurrences := []*model.FlakeOccurrence{
			occurrenceAt(base),
			occurrenceAt(base.Add(10 * 24 * time.Hour)),
			occurrenceAt(base.Add(20 * 24 * time.Hour)),
		}
		So(FlakinessPeriod(occurrences, gap), ShouldResemble, occurrences[2:])
	})
}

func TestNewOccurrences(t *testing.T) {
	t.Parallel()

	Convey("NewOccurrences", t, func() {
		c := memory.Use(context.Background())
		cl := testclock.New(testclock.TestTimeUTC)
		c = clock.Set(c, cl)
		c = config.Use(c, config.Default())
		now := clock.Now(c)

		Convey("Stamped occurrences are excluded", func() {
			stamped := occurrenceAt(now.Add(-2 * time.Hour))
			stamped.ReportedIssueId = 111
			fresh := occurrenceAt(now.Add(-1 * time.Hour))
			So(NewOccurrences(c, []*model.FlakeOccurrence{stamped, fresh}),
				ShouldResemble, []*model.FlakeOccurrence{fresh})
		})

		Convey("Occurrences older than a day are excluded", func() {
			old := occurrenceAt(now.Add(-30 * time.Hour))
			fresh := occurrenceAt(now.Add(-1 * time.Hour))
			So(NewOccurrences(c, []*model.FlakeOccurrence{old, fresh}),
				ShouldResemble, []*model.FlakeOccurrence{fresh})
		})

		Convey("Occurrences far behind the latest are excluded", func() {
			// Within 24h of now but more than MaxTimeDifference (12h)
			// behind the latest occurrence.
			behind := occurrenceAt(now.Add(-20 * time.Hour))
			fresh := occurrenceAt(now.Add(-1 * time.Hour))
			So(NewOccurrences(c, []*model.FlakeOccurrence{behind, fresh}),
				ShouldResemble, []*model.FlakeOccurrence{fresh})
		})

		Convey("Occurrences of an older period are excluded", func() {
			// The period gap (3 days) cuts the first occurrence off even
			// though freshness is computed afterwards.
			older := occurrenceAt(now.Add(-10 * 24 * time.Hour))
			fresh := occurrenceAt(now.Add(-1 * time.Hour))
			So(NewOccurrences(c, []*model.FlakeOccurrence{older, fresh}),
				ShouldResemble, []*model.FlakeOccurrence{fresh})
		})
	})
}

func TestIsActionable(t *testing.T) {
	t.Parallel()

	Convey("IsActionable", t, func() {
		c := memory.Use(context.Background())
		datastore.GetTestable(c).AutoIndex(true)
		datastore.GetTestable(c).Consistent(true)
		cl := testclock.New(testclock.TestTimeUTC)
		c = clock.Set(c, cl)
		c = config.Use(c, config.Default())
		now := clock.Now(c)

		flake := &model.Flake{
			Id:                 model.FlakeId("chromium", "browser_tests", "Suite.Test"),
			Project:            "chromium",
			NormalizedStepName: "browser_tests",
			NormalizedTestName: "Suite.Test",
		}
		So(datastore.Put(c, flake), ShouldBeNil)
		flakeKey := datastore.KeyForObj(c, flake)

		putOccurrences := func(times ...time.Time) {
			for _, at := range times {
				So(datastore.Put(c, &model.FlakeOccurrence{
					Flake: flakeKey,
					Time:  at,
				}), ShouldBeNil)
			}
		}

		Convey("Not enough fresh occurrences", func() {
			putOccurrences(
				now.Add(-4*time.Hour),
				now.Add(-3*time.Hour),
				now.Add(-2*time.Hour),
				now.Add(-1*time.Hour),
			)
			actionable, _, err := IsActionable(c, flake)
			So(err, ShouldBeNil)
			So(actionable, ShouldBeFalse)
		})

		Convey("Enough fresh occurrences", func() {
			putOccurrences(
				now.Add(-5*time.Hour),
				now.Add(-4*time.Hour),
				now.Add(-3*time.Hour),
				now.Add(-2*time.Hour),
				now.Add(-1*time.Hour),
			)
			actionable, fresh, err := IsActionable(c, flake)
			So(err, ShouldBeNil)
			So(actionable, ShouldBeTrue)
			So(len(fresh), ShouldEqual, 5)
		})

		Convey("Sparse occurrences over months never qualify", func() {
			putOccurrences(
				now.Add(-60*24*time.Hour),
				now.Add(-45*24*time.Hour),
				now.Add(-30*24*time.Hour),
				now.Add(-15*24*time.Hour),
				now.Add(-1*time.Hour),
			)
			actionable, _, err := IsActionable(c, flake)
			So(err, ShouldBeNil)
			So(actionable, ShouldBeFalse)
		})
	})
}

func TestThresholdExceededTime(t *testing.T) {
	t.Parallel()

	Convey("ThresholdExceededTime", t, func() {
		c := config.Use(context.Background(), config.Default())
		base := time.Date(2022, time.June, 1, 0, 0, 0, 0, time.UTC)

		Convey("Five occurrences within a day exceed the threshold", func() {
			period := []*model.FlakeOccurrence{
				occurrenceAt(base),
				occurrenceAt(base.Add(1 * time.Hour)),
				occurrenceAt(base.Add(2 * time.Hour)),
				occurrenceAt(base.Add(3 * time.Hour)),
				occurrenceAt(base.Add(4 * time.Hour)),
			}
			at, ok := ThresholdExceededTime(c, period)
			So(ok, ShouldBeTrue)
			So(at, ShouldEqual, base.Add(4*time.Hour))
		})

		Convey("Occurrences spread wider than a day do not", func() {
			period := []*model.FlakeOccurrence{
				occurrenceAt(base),
				occurrenceAt(base.Add(12 * time.Hour)),
				occurrenceAt(base.Add(30 * time.Hour)),
				occurrenceAt(base.Add(48 * time.Hour)),
				occurrenceAt(base.Add(66 * time.Hour)),
			}
			_, ok := ThresholdExceededTime(c, period)
			So(ok, ShouldBeFalse)
		})

		Convey("A later burst exceeds it at the burst", func() {
			period := []*model.FlakeOccurrence{
				occurrenceAt(base),
				occurrenceAt(base.Add(48 * time.Hour)),
				occurrenceAt(base.Add(49 * time.Hour)),
				occurrenceAt(base.Add(50 * time.Hour)),
				occurrenceAt(base.Add(51 * time.Hour)),
				occurrenceAt(base.Add(52 * time.Hour)),
			}
			at, ok := ThresholdExceededTime(c, period)
			So(ok, ShouldBeTrue)
			So(at, ShouldEqual, base.Add(52*time.Hour))
		})
	})
}

func TestUpdateBudget(t *testing.T) {
	t.Parallel()

	Convey("Update budget", t, func() {
		c := memory.Use(context.Background())
		datastore.GetTestable(c).AutoIndex(true)
		datastore.GetTestable(c).Consistent(true)
		cl := testclock.New(testclock.TestTimeUTC)
		c = clock.Set(c, cl)
		cfg := config.Default()
		cfg.MaxUpdatedIssuesPerDay = 2
		c = config.Use(c, cfg)

		exhausted, err := UpdateBudgetExhausted(c)
		So(err, ShouldBeNil)
		So(exhausted, ShouldBeFalse)

		So(IncrementUpdateCounter(c), ShouldBeNil)
		cl.Add(time.Minute)
		So(IncrementUpdateCounter(c), ShouldBeNil)

		exhausted, err = UpdateBudgetExhausted(c)
		So(err, ShouldBeNil)
		So(exhausted, ShouldBeTrue)

		Convey("The budget rolls over after a day", func() {
			cl.Add(25 * time.Hour)
			exhausted, err := UpdateBudgetExhausted(c)
			So(err, ShouldBeNil)
			So(exhausted, ShouldBeFalse)
		})
	})
}

func TestStampOccurrences(t *testing.T) {
	t.Parallel()

	Convey("StampOccurrences", t, func() {
		c := memory.Use(context.Background())
		datastore.GetTestable(c).Consistent(true)

		flake := &model.Flake{Id: "chromium/step/test"}
		So(datastore.Put(c, flake), ShouldBeNil)
		occ := &model.FlakeOccurrence{
			Flake: datastore.KeyForObj(c, flake),
			Time:  testclock.TestTimeUTC,
		}
		So(datastore.Put(c, occ), ShouldBeNil)

		So(StampOccurrences(c, []*model.FlakeOccurrence{occ}, 123), ShouldBeNil)
		So(occ.ReportedIssueId, ShouldEqual, 123)

		stored := &model.FlakeOccurrence{Id: occ.Id, Flake: occ.Flake}
		So(datastore.Get(c, stored), ShouldBeNil)
		So(stored.ReportedIssueId, ShouldEqual, 123)

		// Re-stamping with the same issue is a no-op.
		So(StampOccurrences(c, []*model.FlakeOccurrence{occ}, 123), ShouldBeNil)
	})
}
