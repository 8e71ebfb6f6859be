package bytesize

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gopkg.in/yaml.v3"
)

var _ = Describe("bytesize package", func() {
	Describe("Parse", func() {
		It("works with valid values", func() {
			Expect(Parse("1TiB")).To(Equal(1 * TiB))
			Expect(Parse("1 TiB")).To(Equal(1 * TiB))
			Expect(Parse(" 1 TiB ")).To(Equal(1 * TiB))

			Expect(Parse("1")).To(Equal(1 * Byte))
			Expect(Parse(" 1 ")).To(Equal(1 * Byte))

			Expect(Parse("1mib")).To(Equal(1 * MiB))
			Expect(Parse("1MB")).To(Equal(ByteSize(1000 * 1000)))
		})
		It("returns error with invalid values", func() {
			_, err := Parse("1UB")
			Expect(err).To(MatchError("could not parse ByteSize"))
		})
	})

	Describe("YAML", func() {
		It("round-trips through human readable units", func() {
			var v struct {
				Size ByteSize `yaml:"size"`
			}
			Expect(yaml.Unmarshal([]byte("size: 2GiB\n"), &v)).To(Succeed())
			Expect(v.Size).To(Equal(2 * GiB))

			out, err := yaml.Marshal(v)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(out)).To(Equal("size: 2.0 GiB\n"))
		})
	})
})
