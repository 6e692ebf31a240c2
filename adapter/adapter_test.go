// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package adapter

import (
	"errors"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestError(t *testing.T) {
	Convey("Given adapter errors", t, func(c C) {
		cause := errors.New("boom")

		Convey("Connection errors should be retryable", func() {
			err := ConnectionError(cause)
			So(err.Retryable(), ShouldBeTrue)
			So(IsRetryable(err), ShouldBeTrue)
			So(err.Error(), ShouldEqual, "connection error: boom")
			So(errors.Is(err, cause), ShouldBeTrue)
		})

		Convey("Auth and config errors should not be retryable", func() {
			So(IsRetryable(AuthError(cause)), ShouldBeFalse)
			So(IsRetryable(ConfigError(cause)), ShouldBeFalse)
			So(KindOf(AuthError(cause)), ShouldEqual, KindAuth)
			So(KindOf(ConfigError(cause)), ShouldEqual, KindConfig)
		})

		Convey("Other errors should be treated as connection errors", func() {
			So(IsRetryable(cause), ShouldBeTrue)
			So(KindOf(cause), ShouldEqual, KindConnection)
		})
	})
}
