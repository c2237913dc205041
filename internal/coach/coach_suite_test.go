package coach

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestCoach(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Coach Suite")
}
