package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/bodgit/rastertiles"
	"github.com/bodgit/rastertiles/codec"
	"github.com/bodgit/rastertiles/store"
	"github.com/bodgit/rastertiles/tile"
	"github.com/carlmjohnson/versioninfo"
	"github.com/iancoleman/strcase"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"
)

const (
	defaultDB    = "raster.gpkg"
	defaultTable = "tiles"

	dbFlag      = "db"
	tableFlag   = "table"
	whereFlag   = "where"
	verboseFlag = "verbose"
	optionFlag  = "option"
	originXFlag = "originX"
	originYFlag = "originY"
	widthFlag   = "width"
	heightFlag  = "height"
)

func init() {
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"V"},
		Usage:   "print the version",
	}
}

func envVars(name string) []string {
	return []string{strcase.ToScreamingSnake("rastertiles_" + name)}
}

var (
	optionFlags = []cli.Flag{
		&cli.StringSliceFlag{
			Name:    optionFlag,
			Aliases: []string{"o"},
			Usage:   "raster option as KEY=VALUE, e.g. DRIVER=PNG or TILE_WIDTH=512",
			EnvVars: envVars(optionFlag),
		},
	}

	originFlags = []cli.Flag{
		&cli.Int64Flag{
			Name:    originXFlag,
			Aliases: []string{"x"},
			Usage:   "column of the raster's first pixel in the zoom level's pixel grid",
			EnvVars: envVars(originXFlag),
		},
		&cli.Int64Flag{
			Name:    originYFlag,
			Aliases: []string{"y"},
			Usage:   "row of the raster's first pixel in the zoom level's pixel grid",
			EnvVars: envVars(originYFlag),
		},
	}

	sizeFlags = []cli.Flag{
		&cli.Int64Flag{
			Name:     widthFlag,
			Usage:    "raster width in pixels",
			Required: true,
		},
		&cli.Int64Flag{
			Name:     heightFlag,
			Usage:    "raster height in pixels",
			Required: true,
		},
	}
)

func flags(sets ...[]cli.Flag) []cli.Flag {
	var all []cli.Flag
	for _, set := range sets {
		all = append(all, set...)
	}
	return all
}

func newLogger(c *cli.Context) *slog.Logger {
	if c.Bool(verboseFlag) {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.DiscardHandler)
}

func openStore(c *cli.Context, logger *slog.Logger) (*store.Store, error) {
	opts := []store.Option{store.WithLogger(logger)}
	if where := c.String(whereFlag); where != "" {
		opts = append(opts, store.WithWhere(where))
	}
	return store.Open(c.String(dbFlag), c.String(tableFlag), opts...)
}

func geometry(c *cli.Context, width, height int64) rastertiles.Geometry {
	return rastertiles.Geometry{
		Width:   width,
		Height:  height,
		OriginX: c.Int64(originXFlag),
		OriginY: c.Int64(originYFlag),
	}
}

// planes splits an image into the bands of a raster
func planes(m image.Image, bands int, palette color.Palette) [][]byte {
	b := m.Bounds()
	out := make([][]byte, bands)
	for i := range out {
		out[i] = make([]byte, b.Dx()*b.Dy())
	}

	pm, indexed := m.(*image.Paletted)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			i := (y-b.Min.Y)*b.Dx() + x - b.Min.X
			if palette != nil && indexed {
				out[0][i] = pm.ColorIndexAt(x, y)
				continue
			}
			c := color.NRGBAModel.Convert(m.At(x, y)).(color.NRGBA)
			switch bands {
			case 1:
				out[0][i] = color.GrayModel.Convert(c).(color.Gray).Y
			case 4:
				out[3][i] = c.A
				fallthrough
			default:
				out[0][i], out[1][i], out[2][i] = c.R, c.G, c.B
			}
		}
	}
	return out
}

// toImage joins the bands of a raster back into an image
func toImage(planes [][]byte, w, h int) image.Image {
	r := image.Rect(0, 0, w, h)
	if len(planes) == 1 {
		m := image.NewGray(r)
		copy(m.Pix, planes[0])
		return m
	}
	m := image.NewNRGBA(r)
	for i := 0; i < w*h; i++ {
		m.Pix[i*4+0], m.Pix[i*4+1], m.Pix[i*4+2], m.Pix[i*4+3] = planes[0][i], planes[1][i], planes[2][i], 0xff
		if len(planes) == 4 {
			m.Pix[i*4+3] = planes[3][i]
		}
	}
	return m
}

// strips calls fn for every row of blocks in a w by h raster
func strips(ctx context.Context, w, h int, tileHeight uint32, description string, fn func(image.Rectangle) error) error {
	th := int(tileHeight)
	bar := progressbar.NewOptions((h+th-1)/th, progressbar.OptionSetDescription(description), progressbar.OptionShowCount())
	defer bar.Finish()

	for y := 0; y < h; y += th {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(image.Rect(0, y, w, min(y+th, h))); err != nil {
			return err
		}
		bar.Add(1)
	}
	return nil
}

func importImage(c *cli.Context) error {
	if c.NArg() < 1 {
		cli.ShowCommandHelpAndExit(c, c.Command.FullName(), 1)
	}

	logger := newLogger(c)

	opts, err := rastertiles.ParseOptions(c.StringSlice(optionFlag))
	if err != nil {
		return cli.Exit(err, 1)
	}

	f, err := os.Open(c.Args().First())
	if err != nil {
		return cli.Exit(err, 1)
	}
	m, format, err := image.Decode(f)
	f.Close()
	if err != nil {
		return cli.Exit(err, 1)
	}
	logger.Info("read image", "file", c.Args().First(), "format", format, "size", m.Bounds().Size())

	var options []rastertiles.Option
	var palette color.Palette
	if pm, ok := m.(*image.Paletted); ok && opts.BandCount == 1 {
		palette = pm.Palette
		options = append(options, rastertiles.WithColorTable(palette))
	}
	options = append(options, rastertiles.WithLogger(logger))

	s, err := openStore(c, logger)
	if err != nil {
		return cli.Exit(err, 1)
	}
	defer s.Close()

	w, h := m.Bounds().Dx(), m.Bounds().Dy()
	r, err := rastertiles.New(s, geometry(c, int64(w), int64(h)), opts, options...)
	if err != nil {
		return cli.Exit(err, 1)
	}

	all := planes(m, opts.BandCount, palette)
	err = strips(c.Context, w, h, opts.TileHeight, "importing", func(rect image.Rectangle) error {
		strip := make([][]byte, len(all))
		for i := range strip {
			strip[i] = all[i][rect.Min.Y*w : rect.Max.Y*w]
		}
		return r.WriteRegion(c.Context, rect, strip)
	})

	if err := errors.Join(err, r.Close()); err != nil {
		return cli.Exit(err, 1)
	}

	return nil
}

func exportImage(c *cli.Context) error {
	if c.NArg() < 1 {
		cli.ShowCommandHelpAndExit(c, c.Command.FullName(), 1)
	}

	logger := newLogger(c)

	opts, err := rastertiles.ParseOptions(c.StringSlice(optionFlag))
	if err != nil {
		return cli.Exit(err, 1)
	}

	s, err := openStore(c, logger)
	if err != nil {
		return cli.Exit(err, 1)
	}
	defer s.Close()

	w, h := c.Int64(widthFlag), c.Int64(heightFlag)
	r, err := rastertiles.New(s, geometry(c, w, h), opts, rastertiles.WithLogger(logger))
	if err != nil {
		return cli.Exit(err, 1)
	}

	all := make([][]byte, opts.BandCount)
	for i := range all {
		all[i] = make([]byte, w*h)
	}
	err = strips(c.Context, int(w), int(h), opts.TileHeight, "exporting", func(rect image.Rectangle) error {
		strip := make([][]byte, len(all))
		for i := range strip {
			strip[i] = all[i][int64(rect.Min.Y)*w : int64(rect.Max.Y)*w]
		}
		return r.ReadRegion(c.Context, rect, strip)
	})

	if err := errors.Join(err, r.Close()); err != nil {
		return cli.Exit(err, 1)
	}

	f, err := os.Create(c.Args().First())
	if err != nil {
		return cli.Exit(err, 1)
	}
	if err := errors.Join(png.Encode(f, toImage(all, int(w), int(h))), f.Close()); err != nil {
		return cli.Exit(err, 1)
	}

	return nil
}

func flush(c *cli.Context) error {
	logger := newLogger(c)

	opts, err := rastertiles.ParseOptions(c.StringSlice(optionFlag))
	if err != nil {
		return cli.Exit(err, 1)
	}

	s, err := openStore(c, logger)
	if err != nil {
		return cli.Exit(err, 1)
	}
	defer s.Close()

	r, err := rastertiles.New(s, geometry(c, c.Int64(widthFlag), c.Int64(heightFlag)), opts, rastertiles.WithLogger(logger))
	if err != nil {
		return cli.Exit(err, 1)
	}

	if err := r.Close(); err != nil {
		return cli.Exit(err, 1)
	}

	return nil
}

func create(c *cli.Context) error {
	s, err := openStore(c, newLogger(c))
	if err != nil {
		return cli.Exit(err, 1)
	}
	return s.Close()
}

func info(c *cli.Context) error {
	s, err := openStore(c, newLogger(c))
	if err != nil {
		return cli.Exit(err, 1)
	}
	defer s.Close()

	counts := make(map[string]int)
	var total, lossy, bytes int
	if err := s.Visit(uint32(c.Uint("zoom")), func(k tile.Key, blob []byte) error {
		f, isLossy, ok := codec.Sniff(blob)
		name := "unknown"
		if ok {
			name = f.String()
		}
		counts[name]++
		total++
		bytes += len(blob)
		if isLossy {
			lossy++
		}
		return nil
	}); err != nil {
		return cli.Exit(err, 1)
	}

	fmt.Printf("table:  %s\nzoom:   %d\ntiles:  %d (%d lossy)\nbytes:  %d\n", s.Table(), c.Uint("zoom"), total, lossy, bytes)
	for _, f := range []string{codec.PNG.String(), codec.JPEG.String(), codec.WEBP.String(), "unknown"} {
		if counts[f] > 0 {
			fmt.Printf("  %-7s %d\n", f+":", counts[f])
		}
	}

	return nil
}

func main() {
	app := cli.NewApp()

	app.Name = "rastertiles"
	app.Usage = "Tiled raster storage utility"
	app.Version = versioninfo.Short()

	cwd, err := os.Getwd()
	if err != nil {
		log.Fatal(err)
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    dbFlag,
			EnvVars: envVars(dbFlag),
			Value:   filepath.Join(cwd, defaultDB),
			Usage:   "path to database",
		},
		&cli.StringFlag{
			Name:    tableFlag,
			EnvVars: envVars(tableFlag),
			Value:   defaultTable,
			Usage:   "tile table name",
		},
		&cli.StringFlag{
			Name:    whereFlag,
			EnvVars: envVars(whereFlag),
			Usage:   "extra SQL predicate limiting which tiles are read",
		},
		&cli.BoolFlag{
			Name:    verboseFlag,
			Aliases: []string{"v"},
			Usage:   "increase verbosity",
		},
	}

	app.Commands = []*cli.Command{
		{
			Name:   "create",
			Usage:  "Create the tile table",
			Action: create,
		},
		{
			Name:        "import",
			Usage:       "Write an image into the raster",
			Description: "The raster takes the size of the image; its origin is given by --originX and --originY.",
			ArgsUsage:   "FILE",
			Flags:       flags(optionFlags, originFlags),
			Action:      importImage,
		},
		{
			Name:      "export",
			Usage:     "Read the raster into a PNG image",
			ArgsUsage: "FILE",
			Flags:     flags(optionFlags, originFlags, sizeFlags),
			Action:    exportImage,
		},
		{
			Name:        "flush",
			Usage:       "Promote tiles left staged by an interrupted session",
			Description: "The raster geometry must match the one the staged tiles were written with.",
			Flags:       flags(optionFlags, originFlags, sizeFlags),
			Action:      flush,
		},
		{
			Name:  "info",
			Usage: "Count the tiles stored at a zoom level",
			Flags: []cli.Flag{
				&cli.UintFlag{
					Name:  "zoom",
					Usage: "zoom level",
				},
			},
			Action: info,
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
