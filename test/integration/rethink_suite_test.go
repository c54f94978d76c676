//go:build integration

package integration

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestRethinkIntegration(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Rethink Integration Suite")
}
